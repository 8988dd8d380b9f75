package sqlite

import (
	"fmt"
	"strings"

	"Strata/internal/core/events"
)

// Structured queries fold into a WHERE clause with bound parameters.
// Columns are whitelisted; anything else is a programming error surfaced to
// the caller.

var queryColumns = map[string]string{
	"id":         "eventid",
	"eventid":    "eventid",
	"headId":     "headId",
	"time":       "time",
	"endTime":    "endTime",
	"deleted":    "deleted",
	"type":       "type",
	"trashed":    "trashed",
	"created":    "created",
	"createdBy":  "createdBy",
	"modified":   "modified",
	"modifiedBy": "modifiedBy",
}

type compiledQuery struct {
	where string
	args  []interface{}
}

// compileConditions renders the conditions; liveOnly appends the implicit
// exclusion of deletions and history rows every read carries.
func compileConditions(conds []events.Condition, liveOnly bool) (*compiledQuery, error) {
	var parts []string
	var args []interface{}

	for _, c := range conds {
		switch c.Type {
		case events.CondEqual:
			col, err := column(c.Field)
			if err != nil {
				return nil, err
			}
			if c.Value == nil {
				parts = append(parts, col+" IS NULL")
			} else {
				parts = append(parts, col+" = ?")
				args = append(args, coerce(c.Value))
			}

		case events.CondGreater, events.CondGreaterOrEqual, events.CondLowerOrEqual:
			col, err := column(c.Field)
			if err != nil {
				return nil, err
			}
			op := map[events.ConditionType]string{
				events.CondGreater:        ">",
				events.CondGreaterOrEqual: ">=",
				events.CondLowerOrEqual:   "<=",
			}[c.Type]
			parts = append(parts, fmt.Sprintf("%s %s ?", col, op))
			args = append(args, coerce(c.Value))

		case events.CondGreaterOrEqualOrNull:
			col, err := column(c.Field)
			if err != nil {
				return nil, err
			}
			parts = append(parts, fmt.Sprintf("(%s >= ? OR %s IS NULL)", col, col))
			args = append(args, coerce(c.Value))

		case events.CondTypesList:
			part, typeArgs := compileTypesList(c.Types)
			if part != "" {
				parts = append(parts, part)
				args = append(args, typeArgs...)
			}

		case events.CondStreamsQuery:
			match := compileStreamsQuery(c.Streams)
			parts = append(parts, "events.rowid IN (SELECT rowid FROM events_fts WHERE events_fts MATCH ?)")
			args = append(args, match)

		default:
			return nil, fmt.Errorf("unknown condition type %q", c.Type)
		}
	}

	if liveOnly {
		parts = append(parts, "deleted IS NULL", "headId IS NULL")
	}
	if len(parts) == 0 {
		parts = []string{"1=1"}
	}
	return &compiledQuery{where: strings.Join(parts, " AND "), args: args}, nil
}

// compileTypesList ORs exact matches; "class/*" entries lower to LIKE on
// the class prefix.
func compileTypesList(types []string) (string, []interface{}) {
	if len(types) == 0 {
		return "", nil
	}
	var parts []string
	var args []interface{}
	for _, t := range types {
		if class, ok := strings.CutSuffix(t, "/*"); ok {
			parts = append(parts, "type LIKE ?")
			args = append(args, class+"/%")
		} else {
			parts = append(parts, "type = ?")
			args = append(args, t)
		}
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func column(field string) (string, error) {
	col, ok := queryColumns[field]
	if !ok {
		return "", fmt.Errorf("unknown query field %q", field)
	}
	return col, nil
}

// coerce maps domain values onto SQLite representations (booleans to 0/1;
// numbers and strings pass through the driver).
func coerce(v interface{}) interface{} {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func orderAndLimit(q events.Query) string {
	clause := " ORDER BY time DESC"
	if q.SortAscending {
		clause = " ORDER BY time ASC"
	}
	if q.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return clause
}
