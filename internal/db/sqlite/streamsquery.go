package sqlite

import (
	"strings"

	"Strata/internal/core/events"
)

// Stream queries arrive in disjunctive normal form: a list of AND-blocks,
// each a list of {any}/{not} items. They compile to one FTS5 MATCH
// expression over the streamIds column.

// compileStreamsQuery renders the DNF as a MATCH expression:
//   - an "any" containing the wildcard matches everything and is dropped;
//   - a block left with no "any" falls back to the universal tag;
//   - "not" ids append NOT terms to their block;
//   - multiple blocks are parenthesized and OR-ed.
func compileStreamsQuery(sq events.StreamsQuery) string {
	blocks := make([]string, 0, len(sq))
	for _, block := range sq {
		blocks = append(blocks, compileBlock(block))
	}
	if len(blocks) == 1 {
		return blocks[0]
	}
	for i, b := range blocks {
		blocks[i] = "(" + b + ")"
	}
	return strings.Join(blocks, " OR ")
}

func compileBlock(block events.StreamsQueryBlock) string {
	var anys []string
	var nots []string
	for _, item := range block {
		if len(item.Any) > 0 && !containsWildcard(item.Any) {
			anys = append(anys, compileAny(item.Any))
		}
		for _, id := range item.Not {
			nots = append(nots, quoteToken(id))
		}
	}
	if len(anys) == 0 {
		anys = []string{quoteToken(events.UniversalTag)}
	}
	expr := strings.Join(anys, " AND ")
	for _, n := range nots {
		expr += " NOT " + n
	}
	return expr
}

func compileAny(ids []string) string {
	if len(ids) == 1 {
		return quoteToken(ids[0])
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = quoteToken(id)
	}
	return "(" + strings.Join(quoted, " OR ") + ")"
}

func containsWildcard(ids []string) bool {
	for _, id := range ids {
		if id == events.Wildcard {
			return true
		}
	}
	return false
}

// quoteToken turns a stream id into an FTS5 string token; inner quotes are
// doubled per the FTS5 grammar.
func quoteToken(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
