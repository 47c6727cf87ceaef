package audience

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	FilterDomain              = "domain"
	FilterLocation            = "location"
	FilterGroup               = "group"
	FilterAddedDate           = "end_user_added_date"
	FilterBirthday            = "birthday"
	FilterWithAppointments    = "with_appointments_start_date"
	FilterWithoutAppointments = "without_appointments_start_date"
	FilterExclude             = "exclude"
)

// FilterSpec maps filter names to their decoded JSON payloads.
type FilterSpec map[string]any

// Scope carries the values every audience query is restricted by.
type Scope struct {
	BusinessID int64
	Consent    string
}

type ValidationError struct {
	Filter string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Filter == "" {
		return "invalid filter spec: " + e.Reason
	}
	return fmt.Sprintf("invalid filter %q: %s", e.Filter, e.Reason)
}

func invalid(filter, format string, args ...any) error {
	return &ValidationError{Filter: filter, Reason: fmt.Sprintf(format, args...)}
}

var consentByCampaignType = map[string]string{
	"GDPR":   "unspecified",
	"normal": "accepted",
}

func ConsentFor(campaignType string) (string, error) {
	consent, ok := consentByCampaignType[campaignType]
	if !ok {
		return "", &ValidationError{Reason: fmt.Sprintf("unknown campaign type %q", campaignType)}
	}
	return consent, nil
}

// ParseFilterSpec decodes a campaign's stored filters. Numbers are kept as
// json.Number so ids survive without float rounding.
func ParseFilterSpec(raw []byte) (FilterSpec, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return FilterSpec{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var spec map[string]any
	if err := dec.Decode(&spec); err != nil {
		return nil, &ValidationError{Reason: "filters must be a JSON object: " + err.Error()}
	}
	return FilterSpec(spec), nil
}

func isFalsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 0
	case float64:
		return t == 0
	case int:
		return t == 0
	case int64:
		return t == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func asList(filter string, v any) ([]any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, invalid(filter, "expected a list, got %T", v)
	}
	return list, nil
}

func asID(filter string, v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		if id, err := t.Int64(); err == nil {
			return id, nil
		}
	case string:
		if id, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return id, nil
		}
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		if t == float64(int64(t)) {
			return int64(t), nil
		}
	}
	return 0, invalid(filter, "id %v is not an integer", v)
}

func asIDs(filter string, v any) ([]any, error) {
	list, err := asList(filter, v)
	if err != nil {
		return nil, err
	}
	ids := make([]any, 0, len(list))
	for _, item := range list {
		id, err := asID(filter, item)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var dateLayouts = []string{"2006-01-02 15:04:05", "2006-01-02"}

const boundDateLayout = "2006-01-02 15:04:05"

func asDate(filter string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", invalid(filter, "expected a date string, got %T", v)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.Format(boundDateLayout), nil
		}
	}
	return "", invalid(filter, "unparseable date %q", s)
}
