package registration

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"Strata/internal/core/events"
	"Strata/internal/core/register"
	"Strata/internal/core/systemstreams"
)

// AccountEvents guards event writes that touch account streams: it keeps
// the active-marker invariant, enforces editability, and mirrors indexed
// values to the register, rolling the local write back when the register
// refuses.
type AccountEvents struct {
	cat      *systemstreams.Catalogue
	registry register.Registry
	events   events.Repository
	now      func() float64
	log      zerolog.Logger
}

// NewAccountEvents creates the guard. now nil falls back to the real clock.
func NewAccountEvents(cat *systemstreams.Catalogue, registry register.Registry,
	repo events.Repository, now func() float64, log zerolog.Logger) *AccountEvents {
	if now == nil {
		now = systemstreams.Now
	}
	return &AccountEvents{
		cat:      cat,
		registry: registry,
		events:   repo,
		now:      now,
		log:      log.With().Str("component", "account-events").Logger(),
	}
}

// Inspect classifies an event against the account branch. A non-account
// event returns ("", nil). Referencing two account streams at once, or a
// non-editable one, is refused.
func (a *AccountEvents) Inspect(e *events.Event) (string, error) {
	if n := e.AccountStreamCount(a.cat); n > 1 {
		return "", &events.ForbiddenAccountEventModification{
			Reason: "an event may reference at most one account stream",
		}
	}
	streamID, ok := e.AccountStreamID(a.cat)
	if !ok {
		return "", nil
	}
	s, err := a.cat.Get(streamID)
	if err != nil {
		return "", err
	}
	if !s.IsEditable {
		return "", &events.ForbiddenAccountEventModification{
			StreamID: streamID,
			Reason:   "stream is not editable",
		}
	}
	return streamID, nil
}

// Create persists an account event: the new event becomes the active one,
// previous holders of the marker lose it, and the indexed value is pushed
// to the register. A register refusal undoes the local write.
func (a *AccountEvents) Create(ctx context.Context, userID, username string, e *events.Event) error {
	streamID, err := a.Inspect(e)
	if err != nil {
		return err
	}
	if streamID == "" {
		return fmt.Errorf("not an account event: %s", e.ID)
	}

	a.ensureMarkers(e, streamID)
	demoted, err := a.demoteActive(ctx, userID, streamID, e.ID)
	if err != nil {
		return err
	}
	if err := a.events.Create(ctx, userID, e); err != nil {
		a.restoreActive(ctx, userID, demoted)
		return err
	}

	if err := a.pushToRegister(ctx, username, streamID, e.Content, nil); err != nil {
		if _, derr := a.events.DeleteMany(ctx, userID, byID(e.ID)); derr != nil {
			a.log.Error().Err(derr).Str("eventId", e.ID).
				Msg("rollback of account event creation failed")
		}
		a.restoreActive(ctx, userID, demoted)
		return err
	}
	return nil
}

// Update rewrites an account event; prev is the live row before the
// change. The register sees the new value first; on refusal nothing
// changes locally.
func (a *AccountEvents) Update(ctx context.Context, userID, username string, prev, next *events.Event) error {
	streamID, err := a.Inspect(next)
	if err != nil {
		return err
	}
	if streamID == "" {
		return fmt.Errorf("not an account event: %s", next.ID)
	}

	a.ensureMarkers(next, streamID)
	demoted, err := a.demoteActive(ctx, userID, streamID, next.ID)
	if err != nil {
		return err
	}
	if err := a.events.Update(ctx, userID, next); err != nil {
		a.restoreActive(ctx, userID, demoted)
		return err
	}

	if err := a.pushToRegister(ctx, username, streamID, next.Content, nil); err != nil {
		if uerr := a.events.Update(ctx, userID, prev); uerr != nil {
			a.log.Error().Err(uerr).Str("eventId", prev.ID).
				Msg("rollback of account event update failed")
		}
		a.restoreActive(ctx, userID, demoted)
		return err
	}
	return nil
}

// Delete refuses to remove the active event of an account stream and
// mirrors allowed deletions to the register.
func (a *AccountEvents) Delete(ctx context.Context, userID, username string, e *events.Event) error {
	streamID, err := a.Inspect(e)
	if err != nil {
		return err
	}
	if streamID == "" {
		return fmt.Errorf("not an account event: %s", e.ID)
	}
	if e.HasStream(systemstreams.ActiveMarker) {
		return &events.ForbiddenAccountEventModification{
			StreamID: streamID,
			Reason:   "the active event of an account stream cannot be deleted",
		}
	}

	if err := a.events.Tombstone(ctx, userID, e.ID, a.now()); err != nil {
		return err
	}
	field := systemstreams.WithoutPrefix(streamID)
	if value, ok := e.Content.(string); ok && a.cat.IsIndexed(streamID) {
		if err := a.pushToRegister(ctx, username, streamID, nil, map[string]string{field: value}); err != nil {
			a.log.Warn().Err(err).Str("field", field).
				Msg("failed to mirror account event deletion")
		}
	}
	return nil
}

// ensureMarkers adds the active marker (and the unique marker when the
// stream is unique) exactly once.
func (a *AccountEvents) ensureMarkers(e *events.Event, streamID string) {
	if !e.HasStream(systemstreams.ActiveMarker) {
		e.StreamIDs = append(e.StreamIDs, systemstreams.ActiveMarker)
	}
	if a.cat.IsUnique(streamID) && !e.HasStream(systemstreams.UniqueMarker) {
		e.StreamIDs = append(e.StreamIDs, systemstreams.UniqueMarker)
	}
}

// demoteActive strips the active marker from every other event of the
// stream and returns the previous state for rollback.
func (a *AccountEvents) demoteActive(ctx context.Context, userID, streamID, keepID string) ([]*events.Event, error) {
	matches, err := a.events.Get(ctx, userID, events.Query{
		Conditions: []events.Condition{{
			Type: events.CondStreamsQuery,
			Streams: events.StreamsQuery{
				events.StreamsQueryBlock{
					{Any: []string{streamID}},
					{Any: []string{systemstreams.ActiveMarker}},
				},
			},
		}},
	})
	if err != nil {
		return nil, err
	}

	var demoted []*events.Event
	for _, other := range matches {
		if other.ID == keepID {
			continue
		}
		before := *other
		before.StreamIDs = append([]string(nil), other.StreamIDs...)

		kept := other.StreamIDs[:0]
		for _, id := range other.StreamIDs {
			if id != systemstreams.ActiveMarker {
				kept = append(kept, id)
			}
		}
		other.StreamIDs = kept
		other.Modified = a.now()
		other.ModifiedBy = "system"
		if err := a.events.Update(ctx, userID, other); err != nil {
			a.restoreActive(ctx, userID, demoted)
			return nil, err
		}
		demoted = append(demoted, &before)
	}
	return demoted, nil
}

func (a *AccountEvents) restoreActive(ctx context.Context, userID string, demoted []*events.Event) {
	for _, e := range demoted {
		if err := a.events.Update(ctx, userID, e); err != nil {
			a.log.Error().Err(err).Str("eventId", e.ID).
				Msg("failed to restore active marker")
		}
	}
}

func (a *AccountEvents) pushToRegister(ctx context.Context, username, streamID string, value interface{}, fieldsToDelete map[string]string) error {
	if !a.cat.IsIndexed(streamID) && len(fieldsToDelete) == 0 {
		return nil
	}
	req := register.UpdateRequest{
		Username:       username,
		User:           map[string][]register.FieldValue{},
		FieldsToDelete: fieldsToDelete,
	}
	if a.cat.IsIndexed(streamID) && value != nil {
		field := systemstreams.WithoutPrefix(streamID)
		req.User[field] = []register.FieldValue{{
			Value:    value,
			IsUnique: a.cat.IsUnique(streamID),
			IsActive: true,
			Creation: false,
		}}
	}
	return a.registry.UpdateUser(ctx, req)
}

func byID(id string) events.Query {
	return events.Query{Conditions: []events.Condition{{
		Type: events.CondEqual, Field: "id", Value: id,
	}}}
}
