package registration

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Strata/internal/core/events"
	"Strata/internal/core/register"
	"Strata/internal/core/systemstreams"
)

func newAccountFixture(t *testing.T) (*AccountEvents, *memEventRepo, *fakeRegistry) {
	t.Helper()
	cat, err := systemstreams.Build(systemstreams.Config{
		Account: []systemstreams.CustomStream{
			{ID: "email", Type: "email/string", IsUnique: true, IsIndexed: true},
			{ID: "phoneNumber", Type: "phone/string", IsIndexed: true},
		},
	})
	require.NoError(t, err)

	repo := newMemEventRepo()
	registry := &fakeRegistry{}
	guard := NewAccountEvents(cat, registry, repo, nil, zerolog.Nop())
	return guard, repo, registry
}

func accountEvent(id, streamID string, content interface{}, markers ...string) *events.Event {
	return &events.Event{
		ID:        id,
		StreamIDs: append([]string{streamID}, markers...),
		Type:      "email/string",
		Content:   content,
	}
}

func TestInspectRejectsTwoAccountStreams(t *testing.T) {
	guard, _, _ := newAccountFixture(t)
	_, err := guard.Inspect(&events.Event{
		ID:        "e-1",
		StreamIDs: []string{":system:email", ":system:phoneNumber"},
	})
	var forbidden *events.ForbiddenAccountEventModification
	assert.ErrorAs(t, err, &forbidden)
}

func TestInspectRejectsNonEditableStream(t *testing.T) {
	guard, _, _ := newAccountFixture(t)
	_, err := guard.Inspect(&events.Event{
		ID:        "e-1",
		StreamIDs: []string{systemstreams.UsernameStream},
	})
	var forbidden *events.ForbiddenAccountEventModification
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, systemstreams.UsernameStream, forbidden.StreamID)
}

func TestInspectPassesNonAccountEvents(t *testing.T) {
	guard, _, _ := newAccountFixture(t)
	streamID, err := guard.Inspect(&events.Event{ID: "e-1", StreamIDs: []string{"diary"}})
	require.NoError(t, err)
	assert.Empty(t, streamID)
}

func TestCreateMovesActiveMarker(t *testing.T) {
	guard, repo, registry := newAccountFixture(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, "u-1",
		accountEvent("old", ":system:phoneNumber", "111", systemstreams.ActiveMarker)))

	next := accountEvent("new", ":system:phoneNumber", "222")
	require.NoError(t, guard.Create(ctx, "u-1", "toto-fernandez", next))

	// The new event carries the marker; non-unique streams get no unique
	// marker.
	assert.Equal(t, []string{":system:phoneNumber", systemstreams.ActiveMarker}, next.StreamIDs)

	// The previous holder lost it.
	old, err := repo.GetOne(ctx, "u-1", "old")
	require.NoError(t, err)
	assert.False(t, old.HasStream(systemstreams.ActiveMarker))

	// The register saw the new value.
	updates := registry.callsOf("update")
	require.Len(t, updates, 1)
	payload := updates[0].req.(register.UpdateRequest)
	require.Len(t, payload.User["phoneNumber"], 1)
	assert.Equal(t, "222", payload.User["phoneNumber"][0].Value)
	assert.False(t, payload.User["phoneNumber"][0].IsUnique)
	assert.True(t, payload.User["phoneNumber"][0].IsActive)
	assert.False(t, payload.User["phoneNumber"][0].Creation)
}

func TestCreateAddsUniqueMarkerForUniqueStreams(t *testing.T) {
	guard, _, _ := newAccountFixture(t)
	next := accountEvent("new", ":system:email", "a@b.io")
	require.NoError(t, guard.Create(context.Background(), "u-1", "toto-fernandez", next))
	assert.True(t, next.HasStream(systemstreams.UniqueMarker))
}

func TestCreateRollsBackOnRegisterRefusal(t *testing.T) {
	guard, repo, registry := newAccountFixture(t)
	registry.updateErr = &register.DuplicateFieldsError{Fields: map[string]string{"email": "a@b.io"}}
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, "u-1",
		accountEvent("old", ":system:email", "x@y.io", systemstreams.ActiveMarker, systemstreams.UniqueMarker)))

	err := guard.Create(ctx, "u-1", "toto-fernandez", accountEvent("new", ":system:email", "a@b.io"))
	require.Error(t, err)

	// The new event is gone and the old one holds the marker again.
	_, err = repo.GetOne(ctx, "u-1", "new")
	assert.ErrorIs(t, err, events.ErrEventNotFound)
	old, err := repo.GetOne(ctx, "u-1", "old")
	require.NoError(t, err)
	assert.True(t, old.HasStream(systemstreams.ActiveMarker))
}

func TestUpdateRollsBackOnRegisterRefusal(t *testing.T) {
	guard, repo, registry := newAccountFixture(t)
	ctx := context.Background()

	prev := accountEvent("e-1", ":system:phoneNumber", "111", systemstreams.ActiveMarker)
	require.NoError(t, repo.Create(ctx, "u-1", prev))

	registry.updateErr = &register.UnexpectedStatusError{Status: 500}
	next := accountEvent("e-1", ":system:phoneNumber", "222")
	err := guard.Update(ctx, "u-1", "toto-fernandez", prev, next)
	require.Error(t, err)

	// The local event must not remain mutated.
	live, gerr := repo.GetOne(ctx, "u-1", "e-1")
	require.NoError(t, gerr)
	assert.Equal(t, "111", live.Content)
	assert.True(t, live.HasStream(systemstreams.ActiveMarker))
}

func TestDeleteForbidsActiveEvent(t *testing.T) {
	guard, repo, _ := newAccountFixture(t)
	ctx := context.Background()

	active := accountEvent("e-1", ":system:email", "a@b.io", systemstreams.ActiveMarker)
	require.NoError(t, repo.Create(ctx, "u-1", active))

	err := guard.Delete(ctx, "u-1", "toto-fernandez", active)
	var forbidden *events.ForbiddenAccountEventModification
	require.ErrorAs(t, err, &forbidden)

	// Still live.
	_, err = repo.GetOne(ctx, "u-1", "e-1")
	assert.NoError(t, err)
}

func TestDeleteInactiveEventMirrorsDeletion(t *testing.T) {
	guard, repo, registry := newAccountFixture(t)
	ctx := context.Background()

	stale := accountEvent("e-1", ":system:email", "old@b.io")
	require.NoError(t, repo.Create(ctx, "u-1", stale))

	require.NoError(t, guard.Delete(ctx, "u-1", "toto-fernandez", stale))

	e, err := repo.GetOne(ctx, "u-1", "e-1")
	require.NoError(t, err)
	assert.NotNil(t, e.Deleted)

	updates := registry.callsOf("update")
	require.Len(t, updates, 1)
	payload := updates[0].req.(register.UpdateRequest)
	assert.Equal(t, "old@b.io", payload.FieldsToDelete["email"])
}
