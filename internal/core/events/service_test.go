package events

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Strata/internal/core/accesses"
	"Strata/internal/core/apierrors"
	"Strata/internal/core/systemstreams"
)

// --- fakes --------------------------------------------------------------

type fakeRepo struct {
	store      map[string]*Event
	history    map[string][]*Event
	listResult []*Event
	lastQuery  *Query
	minimized  []string
	updateErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{store: map[string]*Event{}, history: map[string][]*Event{}}
}

func cloneEvent(e *Event) *Event {
	c := *e
	c.StreamIDs = append([]string(nil), e.StreamIDs...)
	return &c
}

func (r *fakeRepo) Create(ctx context.Context, userID string, e *Event) error {
	r.store[e.ID] = cloneEvent(e)
	return nil
}

func (r *fakeRepo) GetOne(ctx context.Context, userID, id string) (*Event, error) {
	e, ok := r.store[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return cloneEvent(e), nil
}

func (r *fakeRepo) Get(ctx context.Context, userID string, q Query) ([]*Event, error) {
	r.lastQuery = &q
	return r.listResult, nil
}

func (r *fakeRepo) GetStreamed(ctx context.Context, userID string, q Query) (Iterator, error) {
	r.lastQuery = &q
	return nil, nil
}

func (r *fakeRepo) Update(ctx context.Context, userID string, e *Event) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, ok := r.store[e.ID]; !ok {
		return ErrEventNotFound
	}
	r.store[e.ID] = cloneEvent(e)
	return nil
}

func (r *fakeRepo) AddHistory(ctx context.Context, userID string, snapshot *Event) error {
	r.history[snapshot.HeadID] = append(r.history[snapshot.HeadID], cloneEvent(snapshot))
	return nil
}

func (r *fakeRepo) GetHistory(ctx context.Context, userID, headID string) ([]*Event, error) {
	return r.history[headID], nil
}

func (r *fakeRepo) Tombstone(ctx context.Context, userID, id string, deletedAt float64) error {
	e, ok := r.store[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Deleted = &deletedAt
	e.StreamIDs = []string{UniversalTag}
	return nil
}

func (r *fakeRepo) DeleteMany(ctx context.Context, userID string, q Query) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) MinimizeHistory(ctx context.Context, userID, headID string) error {
	r.minimized = append(r.minimized, headID)
	return nil
}

func (r *fakeRepo) Terms(ctx context.Context, userID, pattern string) ([]string, error) {
	return nil, nil
}

type fakePerms struct {
	readable   map[string]bool
	contribute map[string]bool
	forced     []string
	allowAll   bool
}

func (p *fakePerms) CanGetEventsOnStream(id string) bool { return p.allowAll || p.readable[id] }
func (p *fakePerms) CanCreateEventsOnStream(id string) bool {
	return p.allowAll || p.contribute[id]
}
func (p *fakePerms) CanUpdateEventsOnStream(id string) bool {
	return p.allowAll || p.contribute[id]
}
func (p *fakePerms) ForcedStreams() []string { return p.forced }
func (p *fakePerms) ReadableStreams() []string {
	var out []string
	for id := range p.readable {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type guardCall struct {
	op string
	e  *Event
}

type fakeGuard struct {
	accountStreams map[string]bool
	createErr      error
	updateErr      error
	deleteErr      error
	calls          []guardCall
}

func (g *fakeGuard) Inspect(e *Event) (string, error) {
	for _, id := range e.StreamIDs {
		if systemstreams.IsMarker(id) {
			continue
		}
		if g.accountStreams[id] {
			return id, nil
		}
	}
	return "", nil
}

func (g *fakeGuard) Create(ctx context.Context, userID, username string, e *Event) error {
	g.calls = append(g.calls, guardCall{op: "create", e: e})
	return g.createErr
}

func (g *fakeGuard) Update(ctx context.Context, userID, username string, prev, next *Event) error {
	g.calls = append(g.calls, guardCall{op: "update", e: next})
	return g.updateErr
}

func (g *fakeGuard) Delete(ctx context.Context, userID, username string, e *Event) error {
	g.calls = append(g.calls, guardCall{op: "delete", e: e})
	return g.deleteErr
}

type recordingNotifier struct {
	eventsChanged []string
}

func (n *recordingNotifier) EventsChanged(_ context.Context, username string) {
	n.eventsChanged = append(n.eventsChanged, username)
}
func (n *recordingNotifier) AccessesChanged(context.Context, string) {}
func (n *recordingNotifier) AccountChanged(context.Context, string)  {}
func (n *recordingNotifier) UserDeleted(context.Context, string)     {}
func (n *recordingNotifier) Close()                                  {}

// --- fixture ------------------------------------------------------------

type serviceFixture struct {
	svc      *Service
	repo     *fakeRepo
	guard    *fakeGuard
	notifier *recordingNotifier
	cat      *systemstreams.Catalogue
	clock    float64
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	cat, err := systemstreams.Build(systemstreams.Config{})
	require.NoError(t, err)

	f := &serviceFixture{
		repo:     newFakeRepo(),
		guard:    &fakeGuard{accountStreams: map[string]bool{systemstreams.ReservedPrefix + "language": true}},
		notifier: &recordingNotifier{},
		cat:      cat,
		clock:    5000,
	}
	f.svc = NewService(f.repo, cat, f.guard, f.notifier,
		func() float64 { return f.clock }, zerolog.Nop())
	return f
}

func personalCaller() Caller {
	return Caller{
		UserID:   "u-1",
		Username: "toto-fernandez",
		AccessID: "access-1",
		Personal: true,
		Perms:    &fakePerms{allowAll: true},
	}
}

func appCaller(perms *fakePerms) Caller {
	return Caller{
		UserID:   "u-1",
		Username: "toto-fernandez",
		AccessID: "access-2",
		Perms:    perms,
	}
}

func streamsCondition(t *testing.T, q *Query) StreamsQuery {
	t.Helper()
	require.NotNil(t, q)
	for _, c := range q.Conditions {
		if c.Type == CondStreamsQuery {
			return c.Streams
		}
	}
	t.Fatal("no streams condition in query")
	return nil
}

// --- reads --------------------------------------------------------------

func TestGetScopesWildcardToGrantedStreams(t *testing.T) {
	f := newServiceFixture(t)
	caller := appCaller(&fakePerms{readable: map[string]bool{"diary": true, "work": true}})

	_, err := f.svc.Get(context.Background(), caller, GetParams{})
	require.NoError(t, err)

	sq := streamsCondition(t, f.repo.lastQuery)
	require.Len(t, sq, 1)
	assert.Equal(t, []string{"diary", "work"}, sq[0][0].Any)
}

func TestGetDropsUnreadableStreams(t *testing.T) {
	f := newServiceFixture(t)
	caller := appCaller(&fakePerms{readable: map[string]bool{"diary": true}})

	_, err := f.svc.Get(context.Background(), caller, GetParams{
		Streams: StreamsQuery{StreamsQueryBlock{{Any: []string{"diary", "secret"}}}},
	})
	require.NoError(t, err)

	sq := streamsCondition(t, f.repo.lastQuery)
	assert.Equal(t, []string{"diary"}, sq[0][0].Any)
}

func TestGetForbiddenWhenNothingReadable(t *testing.T) {
	f := newServiceFixture(t)
	caller := appCaller(&fakePerms{readable: map[string]bool{"diary": true}})

	_, err := f.svc.Get(context.Background(), caller, GetParams{
		Streams: StreamsQuery{StreamsQueryBlock{{Any: []string{"secret"}}}},
	})
	assert.True(t, apierrors.Is(err, apierrors.Forbidden))
}

func TestGetHidesForbiddenSystemStreams(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Get(context.Background(), personalCaller(), GetParams{})
	require.NoError(t, err)

	sq := streamsCondition(t, f.repo.lastQuery)
	require.Len(t, sq, 1)
	last := sq[0][len(sq[0])-1]
	assert.Contains(t, last.Not, systemstreams.PasswordHashStream)
}

// catalogueStore answers permission-resolution lookups from the system
// catalogue alone; the local store is flat.
type catalogueStore struct {
	cat *systemstreams.Catalogue
}

func (s catalogueStore) Ancestors(storeID, streamID string) []string {
	if storeID == accesses.LocalStoreID {
		return nil
	}
	var out []string
	for _, id := range s.cat.Ancestors(":" + storeID + ":" + streamID) {
		_, local := accesses.ParseStoreID(id)
		out = append(out, local)
	}
	return out
}

func (s catalogueStore) IsAccountStream(storeID, streamID string) bool {
	if storeID == accesses.LocalStoreID {
		return false
	}
	return s.cat.IsAccountStream(":" + storeID + ":" + streamID)
}

func starLogic(f *serviceFixture, extra ...accesses.Permission) *accesses.Logic {
	perms := accesses.Permissions{
		accesses.StreamPermission{StreamID: "*", Level: accesses.LevelRead},
	}
	perms = append(perms, extra...)
	a := &accesses.Access{ID: "shared-1", Type: accesses.TypeShared, Name: "watch", Permissions: perms}
	return accesses.NewLogic(a, catalogueStore{cat: f.cat}, accesses.LogicConfig{
		AccountRootIDs: f.cat.AccountRootIDs(),
		StarStores:     []string{"_system", "system"},
	})
}

func TestGetStarGrantExcludesAccountStreams(t *testing.T) {
	f := newServiceFixture(t)
	caller := Caller{UserID: "u-1", Username: "toto-fernandez", AccessID: "shared-1", Perms: starLogic(f)}

	_, err := f.svc.Get(context.Background(), caller, GetParams{})
	require.NoError(t, err)

	// The star grant widens the block instead of enumerating streams...
	sq := streamsCondition(t, f.repo.lastQuery)
	require.Len(t, sq, 1)
	for _, item := range sq[0] {
		assert.Empty(t, item.Any)
	}

	// ...but account data never rides along: the shown account streams are
	// subtracted, the hidden ones through the usual hidden-streams term.
	var excluded []string
	for _, item := range sq[0] {
		excluded = append(excluded, item.Not...)
	}
	langStream := systemstreams.ReservedPrefix + "language"
	assert.Contains(t, excluded, langStream)
	assert.Contains(t, excluded, systemstreams.UsernameStream)
	assert.Contains(t, excluded, systemstreams.ReservedPrefix+"account")
	assert.Contains(t, excluded, systemstreams.PasswordHashStream)
}

func TestGetStarGrantKeepsExplicitAccountGrants(t *testing.T) {
	f := newServiceFixture(t)
	langStream := systemstreams.ReservedPrefix + "language"
	logic := starLogic(f, accesses.StreamPermission{StreamID: langStream, Level: accesses.LevelRead})
	caller := Caller{UserID: "u-1", Username: "toto-fernandez", AccessID: "shared-1", Perms: logic}

	_, err := f.svc.Get(context.Background(), caller, GetParams{})
	require.NoError(t, err)

	sq := streamsCondition(t, f.repo.lastQuery)
	require.Len(t, sq, 1)
	var excluded []string
	for _, item := range sq[0] {
		excluded = append(excluded, item.Not...)
	}
	assert.NotContains(t, excluded, langStream)
	assert.Contains(t, excluded, systemstreams.UsernameStream)
}

func TestGetFiltersTrashedByDefault(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Get(context.Background(), personalCaller(), GetParams{})
	require.NoError(t, err)

	found := false
	for _, c := range f.repo.lastQuery.Conditions {
		if c.Type == CondEqual && c.Field == "trashed" {
			found = true
			assert.Equal(t, false, c.Value)
		}
	}
	assert.True(t, found)
}

func TestGetOneUnknownEvent(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.GetOne(context.Background(), personalCaller(), "nope")
	assert.True(t, apierrors.Is(err, apierrors.UnknownResource))
}

func TestGetOneHidesTombstones(t *testing.T) {
	f := newServiceFixture(t)
	deleted := 100.0
	f.repo.store["e-1"] = &Event{ID: "e-1", StreamIDs: []string{UniversalTag}, Deleted: &deleted}

	_, err := f.svc.GetOne(context.Background(), personalCaller(), "e-1")
	assert.True(t, apierrors.Is(err, apierrors.UnknownResource))
}

func TestGetOneForbiddenOutsideGrants(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.store["e-1"] = &Event{ID: "e-1", StreamIDs: []string{"secret"}, Type: "note/txt"}

	caller := appCaller(&fakePerms{readable: map[string]bool{"diary": true}})
	_, err := f.svc.GetOne(context.Background(), caller, "e-1")
	assert.True(t, apierrors.Is(err, apierrors.Forbidden))
}

// --- create -------------------------------------------------------------

func TestCreateStampsTrackingAndNotifies(t *testing.T) {
	f := newServiceFixture(t)
	caller := personalCaller()
	caller.CallerID = "phone"

	e, err := f.svc.Create(context.Background(), caller, &Event{
		StreamIDs: []string{"diary"},
		Type:      "note/txt",
		Content:   "hello",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, 5000.0, e.Created)
	assert.Equal(t, 5000.0, e.Modified)
	assert.Equal(t, "access-1 phone", e.CreatedBy)
	assert.Equal(t, "access-1 phone", e.ModifiedBy)
	assert.Equal(t, 5000.0, e.Time)

	stored, err := f.repo.GetOne(context.Background(), "u-1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)
	assert.Equal(t, []string{"toto-fernandez"}, f.notifier.eventsChanged)
}

func TestCreateAppendsForcedStreams(t *testing.T) {
	f := newServiceFixture(t)
	caller := appCaller(&fakePerms{
		contribute: map[string]bool{"diary": true, "app-tag": true},
		forced:     []string{"app-tag"},
	})

	e, err := f.svc.Create(context.Background(), caller, &Event{
		StreamIDs: []string{"diary"},
		Type:      "note/txt",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"diary", "app-tag"}, e.StreamIDs)
}

func TestCreateRejectsMarkersOutsideAccountStreams(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Create(context.Background(), personalCaller(), &Event{
		StreamIDs: []string{"diary", systemstreams.ActiveMarker},
		Type:      "note/txt",
	})
	assert.True(t, apierrors.Is(err, apierrors.InvalidOperation))
}

func TestCreateForbiddenWithoutContribute(t *testing.T) {
	f := newServiceFixture(t)
	caller := appCaller(&fakePerms{readable: map[string]bool{"diary": true}})

	_, err := f.svc.Create(context.Background(), caller, &Event{
		StreamIDs: []string{"diary"},
		Type:      "note/txt",
	})
	assert.True(t, apierrors.Is(err, apierrors.Forbidden))
}

func TestCreateValidates(t *testing.T) {
	f := newServiceFixture(t)
	caller := personalCaller()

	_, err := f.svc.Create(context.Background(), caller, &Event{Type: "note/txt"})
	assert.True(t, apierrors.Is(err, apierrors.InvalidParametersFormat))

	_, err = f.svc.Create(context.Background(), caller, &Event{
		StreamIDs: []string{"diary"}, Type: "NOT A TYPE",
	})
	assert.True(t, apierrors.Is(err, apierrors.InvalidParametersFormat))

	_, err = f.svc.Create(context.Background(), caller, &Event{
		StreamIDs: []string{"diary", "diary"}, Type: "note/txt",
	})
	assert.True(t, apierrors.Is(err, apierrors.InvalidParametersFormat))
}

func TestCreateDelegatesAccountEvents(t *testing.T) {
	f := newServiceFixture(t)
	langStream := systemstreams.ReservedPrefix + "language"

	caller := personalCaller()
	_, err := f.svc.Create(context.Background(), caller, &Event{
		StreamIDs: []string{langStream},
		Type:      "language/iso-639-1",
		Content:   "fr",
	})
	require.NoError(t, err)

	require.Len(t, f.guard.calls, 1)
	assert.Equal(t, "create", f.guard.calls[0].op)
	// The repo write is the guard's business, not the service's.
	assert.Empty(t, f.repo.store)
}

// --- update -------------------------------------------------------------

func TestUpdateFreezesHistory(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.store["e-1"] = &Event{
		ID: "e-1", StreamIDs: []string{"diary"}, Type: "note/txt",
		Content: "old", Created: 100, CreatedBy: "access-0", Modified: 100, ModifiedBy: "access-0",
	}

	updated, err := f.svc.Update(context.Background(), personalCaller(), &Event{
		ID: "e-1", StreamIDs: []string{"diary"}, Type: "note/txt", Content: "new",
	})
	require.NoError(t, err)

	assert.Equal(t, 100.0, updated.Created)
	assert.Equal(t, "access-0", updated.CreatedBy)
	assert.Equal(t, 5000.0, updated.Modified)
	assert.Equal(t, "access-1", updated.ModifiedBy)

	history := f.repo.history["e-1"]
	require.Len(t, history, 1)
	assert.Equal(t, "old", history[0].Content)
	assert.Equal(t, "e-1", history[0].HeadID)
	// The frozen version carries its own id; ids stay unique across live
	// and history rows.
	assert.NotEqual(t, "e-1", history[0].ID)
	assert.NotEmpty(t, history[0].ID)
}

func TestUpdateFailureLeavesNoHistory(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.store["e-1"] = &Event{ID: "e-1", StreamIDs: []string{"diary"}, Type: "note/txt", Content: "old"}
	f.repo.updateErr = errors.New("disk full")

	_, err := f.svc.Update(context.Background(), personalCaller(), &Event{
		ID: "e-1", StreamIDs: []string{"diary"}, Type: "note/txt", Content: "new",
	})
	require.Error(t, err)
	assert.Empty(t, f.repo.history["e-1"])
	assert.Empty(t, f.notifier.eventsChanged)
}

func TestUpdateForbiddenOnAddedStream(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.store["e-1"] = &Event{ID: "e-1", StreamIDs: []string{"diary"}, Type: "note/txt"}

	caller := appCaller(&fakePerms{contribute: map[string]bool{"diary": true}})
	_, err := f.svc.Update(context.Background(), caller, &Event{
		ID: "e-1", StreamIDs: []string{"diary", "secret"}, Type: "note/txt",
	})
	assert.True(t, apierrors.Is(err, apierrors.Forbidden))
}

func TestUpdateCannotCrossAccountBoundary(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.store["e-1"] = &Event{ID: "e-1", StreamIDs: []string{"diary"}, Type: "note/txt"}

	_, err := f.svc.Update(context.Background(), personalCaller(), &Event{
		ID: "e-1", StreamIDs: []string{systemstreams.ReservedPrefix + "language"}, Type: "language/iso-639-1",
	})
	assert.True(t, apierrors.Is(err, apierrors.InvalidOperation))
}

// --- delete -------------------------------------------------------------

func TestDeleteIsTwoStep(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.store["e-1"] = &Event{ID: "e-1", StreamIDs: []string{"diary"}, Type: "note/txt", Content: "x"}
	caller := personalCaller()

	// First call trashes.
	trashed, err := f.svc.Delete(context.Background(), caller, "e-1")
	require.NoError(t, err)
	assert.True(t, trashed.Trashed)
	assert.Nil(t, trashed.Deleted)
	require.Len(t, f.repo.history["e-1"], 1)

	// Second call tombstones and blanks history.
	gone, err := f.svc.Delete(context.Background(), caller, "e-1")
	require.NoError(t, err)
	require.NotNil(t, gone.Deleted)
	assert.Equal(t, []string{"e-1"}, f.repo.minimized)

	stored := f.repo.store["e-1"]
	assert.NotNil(t, stored.Deleted)
	assert.Equal(t, []string{UniversalTag}, stored.StreamIDs)
}

func TestDeleteAccountEventDelegates(t *testing.T) {
	f := newServiceFixture(t)
	langStream := systemstreams.ReservedPrefix + "language"
	f.repo.store["e-1"] = &Event{ID: "e-1", StreamIDs: []string{langStream}, Type: "language/iso-639-1"}

	_, err := f.svc.Delete(context.Background(), personalCaller(), "e-1")
	require.NoError(t, err)

	require.Len(t, f.guard.calls, 1)
	assert.Equal(t, "delete", f.guard.calls[0].op)
}
