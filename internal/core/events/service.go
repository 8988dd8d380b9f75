package events

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Strata/internal/core/apierrors"
	"Strata/internal/core/register"
	"Strata/internal/core/systemstreams"
	"Strata/internal/notify"
)

// Permissions is the slice of access-policy evaluation the event methods
// need. *accesses.Logic satisfies it.
type Permissions interface {
	CanGetEventsOnStream(streamID string) bool
	CanCreateEventsOnStream(streamID string) bool
	CanUpdateEventsOnStream(streamID string) bool
	ReadableStreams() []string
	ForcedStreams() []string
}

// Caller identifies the authenticated principal of one API call.
type Caller struct {
	UserID   string
	Username string
	AccessID string
	CallerID string
	Personal bool
	Perms    Permissions
}

// Tag is the value stamped into createdBy/modifiedBy: the access id,
// suffixed with the caller id when the auth header carried one.
func (c Caller) Tag() string {
	if c.CallerID != "" {
		return c.AccessID + " " + c.CallerID
	}
	return c.AccessID
}

// AccountGuard intercepts writes touching account streams.
// *registration.AccountEvents satisfies it.
type AccountGuard interface {
	// Inspect classifies an event: ("", nil) for non-account events.
	Inspect(e *Event) (string, error)
	Create(ctx context.Context, userID, username string, e *Event) error
	Update(ctx context.Context, userID, username string, prev, next *Event) error
	Delete(ctx context.Context, userID, username string, e *Event) error
}

// Result states for GetParams.State.
const (
	StateDefault = "default"
	StateTrashed = "trashed"
	StateAll     = "all"
)

// GetParams are the filters of events.get.
type GetParams struct {
	// Streams is the requested DNF; empty means "everything readable".
	Streams       StreamsQuery
	FromTime      *float64
	ToTime        *float64
	Types         []string
	Running       bool
	SortAscending bool
	Limit         int
	ModifiedSince *float64
	// State selects live, trashed or both; empty means StateDefault.
	State string
}

// Service implements the event API methods: permission-scoped reads,
// versioned writes, two-step deletion, and delegation of account-stream
// events to the registration guard.
type Service struct {
	repo     Repository
	cat      *systemstreams.Catalogue
	guard    AccountGuard
	notifier notify.Notifier
	now      func() float64
	log      zerolog.Logger
}

// NewService wires the event methods. now nil falls back to the real clock.
func NewService(repo Repository, cat *systemstreams.Catalogue, guard AccountGuard,
	notifier notify.Notifier, now func() float64, log zerolog.Logger) *Service {
	if now == nil {
		now = systemstreams.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		repo:     repo,
		cat:      cat,
		guard:    guard,
		notifier: notifier,
		now:      now,
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Get lists the events the caller may read, newest first unless asked
// otherwise.
func (s *Service) Get(ctx context.Context, caller Caller, p GetParams) ([]*Event, error) {
	q, err := s.buildQuery(caller, p)
	if err != nil {
		return nil, err
	}
	out, err := s.repo.Get(ctx, caller.UserID, q)
	if err != nil {
		return nil, apierrors.Unexpected("failed to query events", err)
	}
	return out, nil
}

// GetStreamed is Get as a lazy cursor, for exports and large result sets.
// The caller must Close the iterator.
func (s *Service) GetStreamed(ctx context.Context, caller Caller, p GetParams) (Iterator, error) {
	q, err := s.buildQuery(caller, p)
	if err != nil {
		return nil, err
	}
	it, err := s.repo.GetStreamed(ctx, caller.UserID, q)
	if err != nil {
		return nil, apierrors.Unexpected("failed to query events", err)
	}
	return it, nil
}

// GetOne returns a single live event the caller may read.
func (s *Service) GetOne(ctx context.Context, caller Caller, id string) (*Event, error) {
	e, err := s.loadLive(ctx, caller.UserID, id)
	if err != nil {
		return nil, err
	}
	if !s.canRead(caller, e) {
		return nil, apierrors.New(apierrors.Forbidden, "insufficient permissions to read this event")
	}
	return e, nil
}

// History returns the frozen past versions of an event, oldest first.
func (s *Service) History(ctx context.Context, caller Caller, id string) ([]*Event, error) {
	if _, err := s.GetOne(ctx, caller, id); err != nil {
		return nil, err
	}
	history, err := s.repo.GetHistory(ctx, caller.UserID, id)
	if err != nil {
		return nil, apierrors.Unexpected("failed to load event history", err)
	}
	return history, nil
}

// Create validates, authorizes and persists a new event. Account-stream
// events go through the guard, which keeps the active-marker invariant and
// mirrors indexed values to the register.
func (s *Service) Create(ctx context.Context, caller Caller, e *Event) (*Event, error) {
	if err := s.prepareNew(caller, e); err != nil {
		return nil, err
	}

	accountStream, err := s.guard.Inspect(e)
	if err != nil {
		return nil, asInvalidOperation(err)
	}

	for _, id := range e.StreamIDs {
		if systemstreams.IsMarker(id) {
			if accountStream == "" {
				return nil, apierrors.New(apierrors.InvalidOperation,
					"marker stream ids are reserved for account events")
			}
			continue
		}
		if !caller.Perms.CanCreateEventsOnStream(id) {
			return nil, apierrors.New(apierrors.Forbidden,
				"insufficient permissions to create events on stream "+id)
		}
	}

	if accountStream != "" {
		if err := s.guard.Create(ctx, caller.UserID, caller.Username, e); err != nil {
			return nil, translateWriteError(err)
		}
	} else if err := s.repo.Create(ctx, caller.UserID, e); err != nil {
		return nil, translateWriteError(err)
	}

	s.notifier.EventsChanged(ctx, caller.Username)
	return e, nil
}

// Update rewrites an existing event, freezing the pre-image as a history
// row first. next carries the full desired state under the live event's id.
func (s *Service) Update(ctx context.Context, caller Caller, next *Event) (*Event, error) {
	prev, err := s.loadLive(ctx, caller.UserID, next.ID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeWrite(caller, prev, next); err != nil {
		return nil, err
	}
	if err := validate(next); err != nil {
		return nil, err
	}

	// Creation facts never change; modification facts always do.
	next.Created = prev.Created
	next.CreatedBy = prev.CreatedBy
	next.Modified = s.now()
	next.ModifiedBy = caller.Tag()

	prevAccount, err := s.guard.Inspect(prev)
	if err != nil {
		return nil, asInvalidOperation(err)
	}
	nextAccount, err := s.guard.Inspect(next)
	if err != nil {
		return nil, asInvalidOperation(err)
	}
	if prevAccount != nextAccount {
		return nil, apierrors.New(apierrors.InvalidOperation,
			"an event cannot move into or out of an account stream")
	}

	// Freeze the pre-image only once the rewrite stands: a failed update
	// must leave no orphaned history row behind.
	snapshot := prev.Snapshot(prev.ID)

	if nextAccount != "" {
		if err := s.guard.Update(ctx, caller.UserID, caller.Username, prev, next); err != nil {
			return nil, translateWriteError(err)
		}
	} else if err := s.repo.Update(ctx, caller.UserID, next); err != nil {
		return nil, translateWriteError(err)
	}
	if err := s.repo.AddHistory(ctx, caller.UserID, snapshot); err != nil {
		s.log.Error().Err(err).Str("eventId", next.ID).
			Msg("failed to freeze event history")
	}

	s.notifier.EventsChanged(ctx, caller.Username)
	return next, nil
}

// Delete is two-step: a live event is trashed first; deleting a trashed
// event tombstones it and blanks its history. Account-stream events skip
// the trash step and go through the guard, which refuses to drop the
// active event and mirrors the deletion to the register.
func (s *Service) Delete(ctx context.Context, caller Caller, id string) (*Event, error) {
	prev, err := s.loadLive(ctx, caller.UserID, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeWrite(caller, prev, prev); err != nil {
		return nil, err
	}

	accountStream, err := s.guard.Inspect(prev)
	if err != nil {
		return nil, asInvalidOperation(err)
	}
	if accountStream != "" {
		if err := s.guard.Delete(ctx, caller.UserID, caller.Username, prev); err != nil {
			return nil, translateWriteError(err)
		}
		deletedAt := s.now()
		prev.Deleted = &deletedAt
		s.notifier.EventsChanged(ctx, caller.Username)
		return prev, nil
	}

	if !prev.Trashed {
		snapshot := prev.Snapshot(prev.ID)
		prev.Trashed = true
		prev.Modified = s.now()
		prev.ModifiedBy = caller.Tag()
		if err := s.repo.Update(ctx, caller.UserID, prev); err != nil {
			return nil, translateWriteError(err)
		}
		if err := s.repo.AddHistory(ctx, caller.UserID, snapshot); err != nil {
			s.log.Error().Err(err).Str("eventId", id).
				Msg("failed to freeze event history")
		}
		s.notifier.EventsChanged(ctx, caller.Username)
		return prev, nil
	}

	deletedAt := s.now()
	if err := s.repo.Tombstone(ctx, caller.UserID, id, deletedAt); err != nil {
		return nil, translateWriteError(err)
	}
	if err := s.repo.MinimizeHistory(ctx, caller.UserID, id); err != nil {
		s.log.Error().Err(err).Str("eventId", id).Msg("failed to minimize event history")
	}
	prev.Deleted = &deletedAt
	prev.StreamIDs = nil
	s.notifier.EventsChanged(ctx, caller.Username)
	return prev, nil
}

// --- internals ---------------------------------------------------------

// prepareNew validates a client-submitted event and seeds ids, time,
// forced streams and tracking properties.
func (s *Service) prepareNew(caller Caller, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time == 0 {
		e.Time = s.now()
	}
	for _, forced := range caller.Perms.ForcedStreams() {
		if !e.HasStream(forced) {
			e.StreamIDs = append(e.StreamIDs, forced)
		}
	}
	if err := validate(e); err != nil {
		return err
	}
	e.Created = s.now()
	e.CreatedBy = caller.Tag()
	e.Modified = e.Created
	e.ModifiedBy = e.CreatedBy
	return nil
}

func validate(e *Event) error {
	if len(e.StreamIDs) == 0 {
		return apierrors.New(apierrors.InvalidParametersFormat,
			"an event must reference at least one stream")
	}
	seen := make(map[string]struct{}, len(e.StreamIDs))
	for _, id := range e.StreamIDs {
		if id == "" || id == UniversalTag {
			return apierrors.New(apierrors.InvalidItemID, "invalid stream id")
		}
		if _, dup := seen[id]; dup {
			return apierrors.New(apierrors.InvalidParametersFormat,
				"duplicate stream id "+id)
		}
		seen[id] = struct{}{}
	}
	if !systemstreams.TypeRegexp.MatchString(e.Type) {
		return apierrors.New(apierrors.InvalidParametersFormat,
			"invalid event type "+e.Type)
	}
	if e.EndTime != nil && *e.EndTime < e.Time {
		return apierrors.New(apierrors.InvalidParametersFormat,
			"endTime cannot precede time")
	}
	return nil
}

// loadLive fetches an event by id, hiding tombstones and history rows.
func (s *Service) loadLive(ctx context.Context, userID, id string) (*Event, error) {
	e, err := s.repo.GetOne(ctx, userID, id)
	if err != nil {
		if err == ErrEventNotFound {
			return nil, apierrors.New(apierrors.UnknownResource, "unknown event "+id)
		}
		return nil, apierrors.Unexpected("failed to load event", err)
	}
	if e.Deleted != nil || e.IsHistory() {
		return nil, apierrors.New(apierrors.UnknownResource, "unknown event "+id)
	}
	return e, nil
}

// canRead reports whether at least one of the event's streams is readable
// and none of it is hidden-only.
func (s *Service) canRead(caller Caller, e *Event) bool {
	visible := false
	for _, id := range e.StreamIDs {
		if systemstreams.IsMarker(id) {
			continue
		}
		if s.isHidden(id) {
			continue
		}
		if caller.Personal || caller.Perms.CanGetEventsOnStream(id) {
			visible = true
			break
		}
	}
	return visible
}

// authorizeWrite requires contribute on one of the event's current streams
// and on every stream the update adds.
func (s *Service) authorizeWrite(caller Caller, prev, next *Event) error {
	if !caller.Personal {
		allowed := false
		for _, id := range prev.StreamIDs {
			if systemstreams.IsMarker(id) {
				continue
			}
			if caller.Perms.CanUpdateEventsOnStream(id) {
				allowed = true
				break
			}
		}
		if !allowed {
			return apierrors.New(apierrors.Forbidden,
				"insufficient permissions to modify this event")
		}
		for _, id := range next.StreamIDs {
			if systemstreams.IsMarker(id) || prev.HasStream(id) {
				continue
			}
			if !caller.Perms.CanCreateEventsOnStream(id) {
				return apierrors.New(apierrors.Forbidden,
					"insufficient permissions to attach events to stream "+id)
			}
		}
	}
	return nil
}

// buildQuery folds the filters and the caller's permission scope into one
// structured query.
func (s *Service) buildQuery(caller Caller, p GetParams) (Query, error) {
	streams := p.Streams
	if len(streams) == 0 {
		streams = StreamsQuery{StreamsQueryBlock{{Any: []string{Wildcard}}}}
	}
	scoped, err := s.scopeStreams(caller, streams)
	if err != nil {
		return Query{}, err
	}

	conds := []Condition{{Type: CondStreamsQuery, Streams: scoped}}
	if p.FromTime != nil {
		conds = append(conds, Condition{Type: CondGreaterOrEqualOrNull, Field: "endTime", Value: *p.FromTime})
	}
	if p.ToTime != nil {
		conds = append(conds, Condition{Type: CondLowerOrEqual, Field: "time", Value: *p.ToTime})
	}
	if p.ModifiedSince != nil {
		conds = append(conds, Condition{Type: CondGreater, Field: "modified", Value: *p.ModifiedSince})
	}
	if len(p.Types) > 0 {
		conds = append(conds, Condition{Type: CondTypesList, Types: p.Types})
	}
	if p.Running {
		conds = append(conds, Condition{Type: CondEqual, Field: "endTime", Value: nil})
	}
	switch p.State {
	case StateDefault, "":
		conds = append(conds, Condition{Type: CondEqual, Field: "trashed", Value: false})
	case StateTrashed:
		conds = append(conds, Condition{Type: CondEqual, Field: "trashed", Value: true})
	case StateAll:
	default:
		return Query{}, apierrors.New(apierrors.InvalidParametersFormat,
			"unknown state "+p.State)
	}

	return Query{Conditions: conds, Limit: p.Limit, SortAscending: p.SortAscending}, nil
}

// scopeStreams narrows a requested DNF to the caller's readable streams.
// Hidden system streams are excluded for everyone; for non-personal
// accesses the wildcard expands to the granted streams and unreadable ids
// drop out. A "*" grant (or a store-wide ":store:*" one) widens the block
// to everything, minus the account streams the access was not explicitly
// granted: account data never rides along on a wildcard.
// A query with no satisfiable block left is forbidden.
func (s *Service) scopeStreams(caller Caller, q StreamsQuery) (StreamsQuery, error) {
	hidden := s.hiddenStreams()
	var out StreamsQuery

	for _, block := range q {
		scopedBlock := make(StreamsQueryBlock, 0, len(block)+2)
		satisfiable := true
		wide := false

		for _, item := range block {
			if len(item.Not) > 0 {
				scopedBlock = append(scopedBlock, StreamsQueryItem{Not: item.Not})
				continue
			}
			var any []string
			itemWide := false
			for _, id := range item.Any {
				if id == Wildcard {
					if caller.Personal {
						itemWide = true
						continue
					}
					for _, granted := range caller.Perms.ReadableStreams() {
						if isStarGrant(granted) {
							itemWide = true
							continue
						}
						if !s.isHidden(granted) {
							any = append(any, granted)
						}
					}
					continue
				}
				if !caller.Personal && !caller.Perms.CanGetEventsOnStream(id) {
					continue
				}
				if s.isHidden(id) {
					continue
				}
				any = append(any, id)
			}
			if itemWide {
				// A wide item constrains nothing; the block drops it and
				// relies on the exclusions appended below.
				wide = true
				continue
			}
			if len(any) == 0 {
				satisfiable = false
				break
			}
			scopedBlock = append(scopedBlock, StreamsQueryItem{Any: any})
		}
		if !satisfiable {
			continue
		}
		if wide && !caller.Personal {
			if excluded := s.accountExclusions(caller); len(excluded) > 0 {
				scopedBlock = append(scopedBlock, StreamsQueryItem{Not: excluded})
			}
		}
		if len(hidden) > 0 {
			scopedBlock = append(scopedBlock, StreamsQueryItem{Not: hidden})
		}
		out = append(out, scopedBlock)
	}

	if len(out) == 0 {
		return nil, apierrors.New(apierrors.Forbidden,
			"insufficient permissions to read the requested streams")
	}
	return out, nil
}

// accountExclusions lists the account streams the caller holds no explicit
// read grant on. Hidden streams are covered separately.
func (s *Service) accountExclusions(caller Caller) []string {
	var out []string
	for id := range s.cat.AccountMap() {
		if s.isHidden(id) {
			continue
		}
		if !caller.Perms.CanGetEventsOnStream(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// isStarGrant reports whether a granted id is a wildcard, either the local
// "*" or a store-wide ":store:*".
func isStarGrant(id string) bool {
	return id == Wildcard || strings.HasSuffix(id, ":"+Wildcard)
}

func (s *Service) hiddenStreams() []string {
	return s.cat.ForbiddenForReading()
}

func (s *Service) isHidden(id string) bool {
	for _, h := range s.cat.ForbiddenForReading() {
		if h == id {
			return true
		}
	}
	return false
}

// translateWriteError maps store and register failures onto API errors.
func translateWriteError(err error) error {
	if apiErr := apierrors.As(err); apiErr != nil {
		return err
	}
	var dup *register.DuplicateFieldsError
	if errors.As(err, &dup) {
		data := make(map[string]interface{}, len(dup.Fields))
		for k, v := range dup.Fields {
			data[k] = v
		}
		return apierrors.AlreadyExists(data)
	}
	var forbidden *ForbiddenAccountEventModification
	if errors.As(err, &forbidden) {
		return apierrors.Wrap(apierrors.InvalidOperation, forbidden.Error(), err)
	}
	if errors.Is(err, ErrEventNotFound) {
		return apierrors.New(apierrors.UnknownResource, "unknown event")
	}
	return apierrors.Unexpected("failed to write event", err)
}

// asInvalidOperation surfaces guard refusals as invalidOperation.
func asInvalidOperation(err error) error {
	var forbidden *ForbiddenAccountEventModification
	if errors.As(err, &forbidden) {
		return apierrors.Wrap(apierrors.InvalidOperation, forbidden.Error(), err)
	}
	return apierrors.Unexpected("failed to inspect event", err)
}
