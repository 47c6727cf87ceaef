package audience

import sq "github.com/Masterminds/squirrel"

const visitStatuses = `appointment_status.name IN ('showedup', 'paid', 'confirmed')`

// column is a trusted SQL expression. Only the tables in this file create
// columns, so nothing user supplied ever reaches query text.
type column struct {
	name      string
	expr      string
	project   string
	aggregate bool
}

func visitColumn(name, agg, cmp string) column {
	expr := agg + "(CASE WHEN appointment.local_time " + cmp + " CURRENT_DATE AND " + visitStatuses + " THEN appointment.local_time END)"
	return column{
		name:      name,
		expr:      expr,
		project:   "to_char(" + expr + ", 'DD/MM/YYYY') AS " + name,
		aggregate: true,
	}
}

// variableColumns are the template variables every recipient row carries, in
// projection order. They double as the allow-set of the exclude filter.
var variableColumns = []column{
	{name: "last_name", expr: "end_user.last_name", project: "end_user.last_name"},
	{name: "first_name", expr: "end_user.first_name", project: "end_user.first_name"},
	{name: "birthday", expr: "end_user.birthday", project: "to_char(end_user.birthday, 'DD/MM/YYYY') AS birthday"},
	{
		name:      "group_name",
		expr:      "string_agg(DISTINCT end_user_group.name, ', ')",
		project:   "string_agg(DISTINCT end_user_group.name, ', ') AS group_name",
		aggregate: true,
	},
	{name: "unsubscribe_code", expr: "end_user.code", project: "end_user.code AS unsubscribe_code"},
	{
		name:    "age",
		expr:    "date_part('year', age(CURRENT_DATE, end_user.birthday))",
		project: "date_part('year', age(CURRENT_DATE, end_user.birthday))::int::text AS age",
	},
	visitColumn("first_visit", "MIN", "<="),
	visitColumn("last_visit", "MAX", "<="),
	visitColumn("next_visit", "MIN", ">"),
}

var (
	columnBusiness    = column{name: "business_id", expr: "end_user.business_id"}
	columnConsent     = column{name: "consent_status", expr: "end_user.consent_status"}
	columnGroup       = column{name: "group_id", expr: "end_user_has_group.group_id"}
	columnLocation    = column{name: "location_id", expr: "appointment.location_id"}
	columnService     = column{name: "service_id", expr: "appointment.service_id"}
	columnDateCreated = column{name: "date_created", expr: "end_user.date_created"}
	columnBirthday    = column{name: "birthday", expr: "end_user.birthday"}
	columnMaxVisit    = column{
		name:      "max_visit",
		expr:      "MAX(CASE WHEN " + visitStatuses + " THEN appointment.local_time END)",
		aggregate: true,
	}
)

func variableColumn(name string) (column, bool) {
	for _, c := range variableColumns {
		if c.name == name {
			return c, true
		}
	}
	return column{}, false
}

// VariableNames lists the template variables recognized in campaign templates.
func VariableNames() []string {
	names := make([]string, len(variableColumns))
	for i, c := range variableColumns {
		names[i] = c.name
	}
	return names
}

var audienceJoins = []string{
	"end_user_has_group ON end_user_has_group.user_id = end_user.id",
	"end_user_group ON end_user_group.group_id = end_user_has_group.group_id",
	"appointment_has_end_user ON appointment_has_end_user.end_user_id = end_user.id",
	"appointment ON appointment.id = appointment_has_end_user.appointment_id",
	"appointment_has_status ON appointment_has_end_user.appointment_id = appointment_has_status.appointment_id",
	"appointment_status ON appointment_has_status.status_id = appointment_status.id",
}

// audienceBuilder selects every live, mailable end user with the template
// variables projected. Filters add WHERE and HAVING terms on top.
func audienceBuilder() sq.SelectBuilder {
	projections := []string{"end_user.id", "end_user.email"}
	for _, c := range variableColumns {
		projections = append(projections, c.project)
	}
	b := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select(projections...).
		From("end_user")
	for _, join := range audienceJoins {
		b = b.LeftJoin(join)
	}
	return b.
		Where("end_user.deleted = 0").
		Where(sq.NotEq{"end_user.email": nil}).
		Where("end_user.black_tag = 0")
}
