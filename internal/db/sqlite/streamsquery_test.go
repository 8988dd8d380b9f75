package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"Strata/internal/core/events"
)

func TestCompileSingleStream(t *testing.T) {
	sq := events.StreamsQuery{{{Any: []string{"health"}}}}
	assert.Equal(t, `"health"`, compileStreamsQuery(sq))
}

func TestCompileAnyGroup(t *testing.T) {
	sq := events.StreamsQuery{{{Any: []string{"health", "work"}}}}
	assert.Equal(t, `("health" OR "work")`, compileStreamsQuery(sq))
}

func TestCompileAndOfAnys(t *testing.T) {
	sq := events.StreamsQuery{{
		{Any: []string{"health"}},
		{Any: []string{"daily", "weekly"}},
	}}
	assert.Equal(t, `"health" AND ("daily" OR "weekly")`, compileStreamsQuery(sq))
}

func TestCompileWildcardDropsItsItem(t *testing.T) {
	// An any containing "*" matches everything, so the other item alone
	// decides the block.
	sq := events.StreamsQuery{{
		{Any: []string{events.Wildcard}},
		{Any: []string{"health"}},
	}}
	assert.Equal(t, `"health"`, compileStreamsQuery(sq))
}

func TestCompileWildcardOnlyFallsBackToUniversalTag(t *testing.T) {
	// Every event row carries the universal tag, so a block reduced to
	// nothing still has to match all rows through FTS.
	sq := events.StreamsQuery{{{Any: []string{events.Wildcard}}}}
	assert.Equal(t, `"`+events.UniversalTag+`"`, compileStreamsQuery(sq))
}

func TestCompileNotTerms(t *testing.T) {
	sq := events.StreamsQuery{{
		{Any: []string{"health"}},
		{Not: []string{"private", "archive"}},
	}}
	assert.Equal(t, `"health" NOT "private" NOT "archive"`, compileStreamsQuery(sq))
}

func TestCompileNotOnlyBlock(t *testing.T) {
	sq := events.StreamsQuery{{{Not: []string{"private"}}}}
	assert.Equal(t, `"`+events.UniversalTag+`" NOT "private"`, compileStreamsQuery(sq))
}

func TestCompileMultipleBlocksAreORed(t *testing.T) {
	sq := events.StreamsQuery{
		{{Any: []string{"health"}}, {Not: []string{"private"}}},
		{{Any: []string{"work"}}},
	}
	assert.Equal(t, `("health" NOT "private") OR ("work")`, compileStreamsQuery(sq))
}

func TestQuoteTokenDoublesInnerQuotes(t *testing.T) {
	sq := events.StreamsQuery{{{Any: []string{`he"said`}}}}
	assert.Equal(t, `"he""said"`, compileStreamsQuery(sq))
}
