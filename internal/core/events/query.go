package events

// The structured query model. API methods build a []Condition; the store
// folds it into a WHERE clause. The stream-query part is kept as parsed
// disjunctive normal form until the store compiles it to a full-text MATCH
// expression.

// ConditionType enumerates the supported comparison kinds.
type ConditionType string

const (
	CondEqual          ConditionType = "equal"
	CondGreater        ConditionType = "greater"
	CondGreaterOrEqual ConditionType = "greaterOrEqual"
	CondLowerOrEqual   ConditionType = "lowerOrEqual"
	// CondGreaterOrEqualOrNull selects rows where the field is at least the
	// value or absent; used for open-ended endTime.
	CondGreaterOrEqualOrNull ConditionType = "greaterOrEqualOrNull"
	CondTypesList            ConditionType = "typesList"
	CondStreamsQuery         ConditionType = "streamsQuery"
)

// Condition is one element of a structured query.
type Condition struct {
	Type ConditionType
	// Field names the column for the comparison kinds.
	Field string
	// Value is the comparison operand; nil with CondEqual means IS NULL.
	Value interface{}
	// Types carries the list for CondTypesList; entries of the form
	// "class/*" match the whole class.
	Types []string
	// Streams carries the DNF for CondStreamsQuery.
	Streams StreamsQuery
}

// StreamsQueryItem is one atom of an AND-block: either Any (match one of)
// or Not (match none of).
type StreamsQueryItem struct {
	Any []string `json:"any,omitempty"`
	Not []string `json:"not,omitempty"`
}

// StreamsQueryBlock is a conjunction of items.
type StreamsQueryBlock []StreamsQueryItem

// StreamsQuery is a disjunction of AND-blocks.
type StreamsQuery []StreamsQueryBlock

// Wildcard is the match-everything stream id in queries.
const Wildcard = "*"

// Query is what reading and deleting methods hand to the store. Listing and
// streaming implicitly exclude deletions and history rows.
type Query struct {
	Conditions []Condition
	// Limit caps the result set; 0 means no cap.
	Limit int
	// SortAscending orders by time ascending instead of the default
	// descending.
	SortAscending bool
}

// HasStreamsQuery reports whether any condition is a stream match; physical
// deletes cannot run as a single statement when one is present.
func (q Query) HasStreamsQuery() bool {
	for _, c := range q.Conditions {
		if c.Type == CondStreamsQuery {
			return true
		}
	}
	return false
}
