package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Strata/internal/core/events"
)

func TestJoinStreamIDsAppendsUniversalTag(t *testing.T) {
	assert.Equal(t, "health work ..", joinStreamIDs([]string{"health", "work"}))
	// Tombstones carry no streams but must still be findable.
	assert.Equal(t, "..", joinStreamIDs(nil))
}

func TestSplitStreamIDsStripsUniversalTag(t *testing.T) {
	assert.Equal(t, []string{"health", "work"}, splitStreamIDs("health work .."))
	assert.Empty(t, splitStreamIDs(".."))
}

func TestEventRowRoundTrip(t *testing.T) {
	end := 1200.0
	e := &events.Event{
		ID:          "evt-1",
		StreamIDs:   []string{"health", ":_system:language"},
		Type:        "mass/kg",
		Content:     82.5,
		Time:        1000,
		EndTime:     &end,
		Description: "morning weigh-in",
		ClientData:  map[string]interface{}{"color": "blue"},
		Attachments: []events.Attachment{
			{ID: "att-1", FileName: "scale.jpg", Type: "image/jpeg", Size: 2048},
		},
		Trashed:    true,
		Created:    900,
		CreatedBy:  "access-1 phone",
		Modified:   950,
		ModifiedBy: "access-1 phone",
	}

	row, err := eventToDB(e)
	require.NoError(t, err)
	assert.Equal(t, "health :_system:language ..", row.streamIDs)
	assert.Equal(t, 1, row.trashed)
	assert.False(t, row.headID.Valid)

	got, err := eventFromDB(row)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.StreamIDs, got.StreamIDs)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, 82.5, got.Content)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, end, *got.EndTime)
	assert.Equal(t, e.ClientData, got.ClientData)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "scale.jpg", got.Attachments[0].FileName)
	assert.True(t, got.Trashed)
	assert.Equal(t, e.CreatedBy, got.CreatedBy)
}

func TestEventRowNullsStayAbsent(t *testing.T) {
	e := &events.Event{ID: "evt-2", StreamIDs: []string{"work"}, Time: 10}

	row, err := eventToDB(e)
	require.NoError(t, err)
	assert.False(t, row.endTime.Valid)
	assert.False(t, row.content.Valid)
	assert.False(t, row.clientData.Valid)
	assert.False(t, row.attachments.Valid)

	got, err := eventFromDB(row)
	require.NoError(t, err)
	assert.Nil(t, got.EndTime)
	assert.Nil(t, got.Deleted)
	assert.Nil(t, got.Content)
	assert.Nil(t, got.ClientData)
	assert.Empty(t, got.Attachments)
	assert.False(t, got.Trashed)
}

func TestEventRowTombstone(t *testing.T) {
	when := 5000.0
	e := &events.Event{ID: "evt-3", Deleted: &when, Time: 10}

	row, err := eventToDB(e)
	require.NoError(t, err)
	assert.Equal(t, "..", row.streamIDs)
	require.True(t, row.deleted.Valid)

	got, err := eventFromDB(row)
	require.NoError(t, err)
	require.NotNil(t, got.Deleted)
	assert.Equal(t, when, *got.Deleted)
	assert.Empty(t, got.StreamIDs)
}

func TestEventRowHistory(t *testing.T) {
	e := &events.Event{ID: "evt-4:h1", HeadID: "evt-4", StreamIDs: []string{"work"}, Time: 10}

	row, err := eventToDB(e)
	require.NoError(t, err)
	require.True(t, row.headID.Valid)
	assert.Equal(t, "evt-4", row.headID.String)

	got, err := eventFromDB(row)
	require.NoError(t, err)
	assert.True(t, got.IsHistory())
}
