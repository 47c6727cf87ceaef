package audience

import (
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
)

type conditionKind int

const (
	kindMembership conditionKind = iota + 1
	kindComparison
	kindAnniversaryRange
	kindNotNull
)

type stage int

const (
	stageWhere stage = iota
	stageHaving
)

// condition is one predicate of the audience query. Values only ever travel
// in args and are bound as placeholders when rendered.
type condition struct {
	kind conditionKind
	col  column
	op   string
	args []any
}

func (c condition) stage() stage {
	if c.col.aggregate {
		return stageHaving
	}
	return stageWhere
}

func membership(col column, values []any) condition {
	return condition{kind: kindMembership, col: col, args: values}
}

func comparison(col column, op string, value any) condition {
	return condition{kind: kindComparison, col: col, op: op, args: []any{value}}
}

func notNull(col column) condition {
	return condition{kind: kindNotNull, col: col}
}

func anniversaryRange(col column, from, to string) condition {
	return condition{kind: kindAnniversaryRange, col: col, args: []any{from, from, to, to}}
}

// Query is a rendered audience query ready for pgx.
type Query struct {
	SQL  string
	Args []any
}

type filterCompiler func(filter string, value any) ([]condition, error)

var filterCompilers = map[string]filterCompiler{
	FilterDomain:              compileDomain,
	FilterLocation:            compileIDs(columnLocation),
	FilterGroup:               compileIDs(columnGroup),
	FilterAddedDate:           compileDate(columnDateCreated, ">="),
	FilterBirthday:            compileBirthday,
	FilterWithAppointments:    compileDate(columnMaxVisit, ">="),
	FilterWithoutAppointments: compileDate(columnMaxVisit, "<"),
	FilterExclude:             compileExclude,
}

// Compile turns a filter spec into a parameterized audience query restricted
// to scope. Filters are applied in key order so the same spec always renders
// the same SQL.
func Compile(spec FilterSpec, scope Scope) (Query, error) {
	if scope.Consent == "" {
		return Query{}, &ValidationError{Reason: "consent status is required"}
	}

	keys := make([]string, 0, len(spec))
	for key := range spec {
		if _, ok := filterCompilers[key]; !ok {
			return Query{}, invalid(key, "unknown filter")
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	conds := []condition{
		comparison(columnBusiness, "=", scope.BusinessID),
		comparison(columnConsent, "=", scope.Consent),
	}
	for _, key := range keys {
		value := spec[key]
		if isFalsy(value) {
			continue
		}
		compiled, err := filterCompilers[key](key, value)
		if err != nil {
			return Query{}, err
		}
		conds = append(conds, compiled...)
	}
	return render(conds)
}

func compileIDs(col column) filterCompiler {
	return func(filter string, value any) ([]condition, error) {
		ids, err := asIDs(filter, value)
		if err != nil {
			return nil, err
		}
		return []condition{membership(col, ids)}, nil
	}
}

func compileDomain(filter string, value any) ([]condition, error) {
	domains, err := asList(filter, value)
	if err != nil {
		return nil, err
	}
	var services []any
	for _, d := range domains {
		domain, ok := d.(map[string]any)
		if !ok {
			return nil, invalid(filter, "expected objects with a service list, got %T", d)
		}
		if isFalsy(domain["service"]) {
			return nil, invalid(filter, "every entry needs a non-empty service list")
		}
		ids, err := asIDs(filter, domain["service"])
		if err != nil {
			return nil, err
		}
		services = append(services, ids...)
	}
	return []condition{membership(columnService, services)}, nil
}

func compileDate(col column, op string) filterCompiler {
	return func(filter string, value any) ([]condition, error) {
		date, err := asDate(filter, value)
		if err != nil {
			return nil, err
		}
		return []condition{comparison(col, op, date)}, nil
	}
}

func compileBirthday(filter string, value any) ([]condition, error) {
	window, err := asList(filter, value)
	if err != nil {
		return nil, err
	}
	if len(window) != 2 {
		return nil, invalid(filter, "expected a [from, to] pair, got %d values", len(window))
	}
	from, err := asDate(filter, window[0])
	if err != nil {
		return nil, err
	}
	to, err := asDate(filter, window[1])
	if err != nil {
		return nil, err
	}
	return []condition{anniversaryRange(columnBirthday, from, to)}, nil
}

func compileExclude(filter string, value any) ([]condition, error) {
	names, err := asList(filter, value)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(names))
	var conds []condition
	for _, n := range names {
		name, ok := n.(string)
		if !ok {
			return nil, invalid(filter, "expected column names, got %T", n)
		}
		col, ok := variableColumn(name)
		if !ok {
			return nil, invalid(filter, "column %q cannot be excluded", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		conds = append(conds, notNull(col))
	}
	return conds, nil
}

// anniversary shifts a date to the current year.
func anniversary(date, year string) string {
	return fmt.Sprintf("(%s + make_interval(years => (date_part('year', CURRENT_DATE) - date_part('year', %s))::int))", date, year)
}

func (c condition) sqlizer() sq.Sqlizer {
	switch c.kind {
	case kindMembership:
		return sq.Eq{c.col.expr: c.args}
	case kindComparison:
		return sq.Expr(c.col.expr+" "+c.op+" ?", c.args[0])
	case kindAnniversaryRange:
		bound := anniversary("?::timestamp", "?::timestamp")
		return sq.Expr(anniversary(c.col.expr, c.col.expr)+" BETWEEN "+bound+" AND "+bound, c.args...)
	case kindNotNull:
		return sq.NotEq{c.col.expr: nil}
	}
	panic(fmt.Sprintf("audience: unhandled condition kind %d", c.kind))
}

// render builds the statement with dollar placeholders, numbered across
// WHERE and HAVING in text order.
func render(conds []condition) (Query, error) {
	b := audienceBuilder()
	for _, c := range conds {
		if c.stage() == stageWhere {
			b = b.Where(c.sqlizer())
		}
	}
	b = b.GroupBy("end_user.id")
	for _, c := range conds {
		if c.stage() == stageHaving {
			b = b.Having(c.sqlizer())
		}
	}

	sql, args, err := b.ToSql()
	if err != nil {
		return Query{}, fmt.Errorf("render audience query: %w", err)
	}
	return Query{SQL: sql, Args: args}, nil
}
