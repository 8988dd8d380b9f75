package registration

import (
	"context"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"Strata/internal/core/accesses"
	"Strata/internal/core/events"
	"Strata/internal/core/register"
	"Strata/internal/core/sessions"
	"Strata/internal/core/users"
)

// --- registry ----------------------------------------------------------

type registryCall struct {
	method string
	req    interface{}
}

type fakeRegistry struct {
	calls []registryCall

	validateErr error
	createErr   error
	updateErr   error
	deleteErr   error
}

func (f *fakeRegistry) ValidateUser(ctx context.Context, req register.ValidateRequest) error {
	f.calls = append(f.calls, registryCall{"validate", req})
	return f.validateErr
}

func (f *fakeRegistry) CheckUsername(ctx context.Context, username string) (bool, error) {
	f.calls = append(f.calls, registryCall{"check", username})
	return false, nil
}

func (f *fakeRegistry) CreateUser(ctx context.Context, req register.UpdateRequest) error {
	f.calls = append(f.calls, registryCall{"create", req})
	return f.createErr
}

func (f *fakeRegistry) UpdateUser(ctx context.Context, req register.UpdateRequest) error {
	f.calls = append(f.calls, registryCall{"update", req})
	return f.updateErr
}

func (f *fakeRegistry) DeleteUser(ctx context.Context, username string, onlyReg bool) error {
	f.calls = append(f.calls, registryCall{"delete", username})
	return f.deleteErr
}

func (f *fakeRegistry) callsOf(method string) []registryCall {
	var out []registryCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

// --- users index -------------------------------------------------------

type fakeIndex struct {
	byUsername map[string]string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{byUsername: map[string]string{}}
}

func (f *fakeIndex) Add(ctx context.Context, username, userID string) error {
	if _, ok := f.byUsername[username]; ok {
		return users.ErrUsernameTaken
	}
	f.byUsername[username] = userID
	return nil
}

func (f *fakeIndex) GetUserID(ctx context.Context, username string) (string, error) {
	id, ok := f.byUsername[username]
	if !ok {
		return "", users.ErrUserNotFound
	}
	return id, nil
}

func (f *fakeIndex) GetUsername(ctx context.Context, userID string) (string, error) {
	for name, id := range f.byUsername {
		if id == userID {
			return name, nil
		}
	}
	return "", users.ErrUserNotFound
}

func (f *fakeIndex) Exists(ctx context.Context, username string) (bool, error) {
	_, ok := f.byUsername[username]
	return ok, nil
}

func (f *fakeIndex) All(ctx context.Context) (map[string]string, error) {
	return f.byUsername, nil
}

func (f *fakeIndex) Delete(ctx context.Context, username string) error {
	if _, ok := f.byUsername[username]; !ok {
		return users.ErrUserNotFound
	}
	delete(f.byUsername, username)
	return nil
}

// --- account storage + service ----------------------------------------

type fakeAccountStorage struct {
	history map[string][]users.PasswordEntry
}

func newFakeAccountStorage() *fakeAccountStorage {
	return &fakeAccountStorage{history: map[string][]users.PasswordEntry{}}
}

func (f *fakeAccountStorage) AddPasswordHash(ctx context.Context, userID string, entry users.PasswordEntry) error {
	f.history[userID] = append([]users.PasswordEntry{entry}, f.history[userID]...)
	return nil
}

func (f *fakeAccountStorage) CurrentPasswordHash(ctx context.Context, userID string) (string, error) {
	h := f.history[userID]
	if len(h) == 0 {
		return "", users.ErrUserNotFound
	}
	return h[0].Hash, nil
}

func (f *fakeAccountStorage) PasswordHistory(ctx context.Context, userID string, n int) ([]users.PasswordEntry, error) {
	h := f.history[userID]
	if len(h) > n {
		h = h[:n]
	}
	return h, nil
}

func (f *fakeAccountStorage) ClearHistory(ctx context.Context, userID string) error {
	delete(f.history, userID)
	return nil
}

// fakeAccounts is a thin users.Service over the fake storage.
type fakeAccounts struct {
	store *fakeAccountStorage
}

func (f *fakeAccounts) GetByUsername(ctx context.Context, username string) (*users.User, error) {
	return nil, users.ErrUserNotFound
}

func (f *fakeAccounts) CheckPassword(ctx context.Context, userID, password string) error {
	hash, err := f.store.CurrentPasswordHash(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return users.ErrWrongPassword
	}
	return nil
}

func (f *fakeAccounts) SetPassword(ctx context.Context, userID, password, createdBy string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	return f.store.AddPasswordHash(ctx, userID, users.PasswordEntry{Hash: string(hash), CreatedBy: createdBy})
}

func (f *fakeAccounts) ValidatePasswordAge(ctx context.Context, userID string) error { return nil }

// --- events ------------------------------------------------------------

// memEventRepo is an in-memory events.Repository good enough for pipeline
// and account-guard tests: stream matching walks StreamIDs directly.
type memEventRepo struct {
	mu     sync.Mutex
	byUser map[string]map[string]*events.Event
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{byUser: map[string]map[string]*events.Event{}}
}

func (m *memEventRepo) user(userID string) map[string]*events.Event {
	if m.byUser[userID] == nil {
		m.byUser[userID] = map[string]*events.Event{}
	}
	return m.byUser[userID]
}

func clone(e *events.Event) *events.Event {
	c := *e
	c.StreamIDs = append([]string(nil), e.StreamIDs...)
	return &c
}

func (m *memEventRepo) Create(ctx context.Context, userID string, e *events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user(userID)[e.ID] = clone(e)
	return nil
}

func (m *memEventRepo) GetOne(ctx context.Context, userID, id string) (*events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.user(userID)[id]
	if !ok || e.IsHistory() {
		return nil, events.ErrEventNotFound
	}
	return clone(e), nil
}

func (m *memEventRepo) Get(ctx context.Context, userID string, q events.Query) ([]*events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*events.Event
	for _, e := range m.user(userID) {
		if e.IsHistory() || e.Deleted != nil {
			continue
		}
		if matches(e, q) {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

func matches(e *events.Event, q events.Query) bool {
	for _, c := range q.Conditions {
		switch c.Type {
		case events.CondEqual:
			if c.Field == "id" && e.ID != c.Value.(string) {
				return false
			}
		case events.CondStreamsQuery:
			if !matchesStreams(e, c.Streams) {
				return false
			}
		}
	}
	return true
}

func matchesStreams(e *events.Event, sq events.StreamsQuery) bool {
	for _, block := range sq {
		ok := true
		for _, item := range block {
			if len(item.Any) > 0 {
				found := false
				for _, id := range item.Any {
					if id == events.Wildcard || e.HasStream(id) {
						found = true
						break
					}
				}
				if !found {
					ok = false
					break
				}
			}
			for _, id := range item.Not {
				if e.HasStream(id) {
					ok = false
					break
				}
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func (m *memEventRepo) GetStreamed(ctx context.Context, userID string, q events.Query) (events.Iterator, error) {
	list, err := m.Get(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	return &sliceIterator{list: list}, nil
}

type sliceIterator struct {
	list []*events.Event
	pos  int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.list) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Event() *events.Event { return it.list[it.pos-1] }
func (it *sliceIterator) Err() error           { return nil }
func (it *sliceIterator) Close() error         { return nil }

func (m *memEventRepo) Update(ctx context.Context, userID string, e *events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.user(userID)[e.ID]; !ok {
		return events.ErrEventNotFound
	}
	m.user(userID)[e.ID] = clone(e)
	return nil
}

func (m *memEventRepo) AddHistory(ctx context.Context, userID string, snapshot *events.Event) error {
	if snapshot.HeadID == "" {
		return &events.InvalidEventError{Reason: "history rows must reference their head event"}
	}
	return m.Create(ctx, userID, snapshot)
}

func (m *memEventRepo) GetHistory(ctx context.Context, userID, headID string) ([]*events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*events.Event
	for _, e := range m.user(userID) {
		if e.HeadID == headID {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

func (m *memEventRepo) Tombstone(ctx context.Context, userID, id string, deletedAt float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.user(userID)[id]
	if !ok || e.Deleted != nil {
		return events.ErrEventNotFound
	}
	e.Deleted = &deletedAt
	e.StreamIDs = nil
	return nil
}

func (m *memEventRepo) DeleteMany(ctx context.Context, userID string, q events.Query) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.user(userID) {
		if matches(e, q) {
			delete(m.user(userID), id)
			n++
		}
	}
	return n, nil
}

func (m *memEventRepo) MinimizeHistory(ctx context.Context, userID, headID string) error {
	return nil
}

func (m *memEventRepo) Terms(ctx context.Context, userID, pattern string) ([]string, error) {
	return nil, nil
}

// --- accesses ----------------------------------------------------------

type fakeAccessRepo struct {
	byUser map[string][]*accesses.Access
}

func newFakeAccessRepo() *fakeAccessRepo {
	return &fakeAccessRepo{byUser: map[string][]*accesses.Access{}}
}

func (f *fakeAccessRepo) Create(ctx context.Context, userID string, a *accesses.Access) error {
	f.byUser[userID] = append(f.byUser[userID], a)
	return nil
}

func (f *fakeAccessRepo) GetByToken(ctx context.Context, userID, token string) (*accesses.Access, error) {
	for _, a := range f.byUser[userID] {
		if a.Token == token {
			return a, nil
		}
	}
	return nil, accesses.ErrAccessNotFound
}

func (f *fakeAccessRepo) GetByID(ctx context.Context, userID, id string) (*accesses.Access, error) {
	for _, a := range f.byUser[userID] {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, accesses.ErrAccessNotFound
}

func (f *fakeAccessRepo) FindSimilar(ctx context.Context, userID, name string, typ accesses.Type, deviceName string) (*accesses.Access, error) {
	return nil, accesses.ErrAccessNotFound
}

func (f *fakeAccessRepo) GetAll(ctx context.Context, userID string) ([]*accesses.Access, error) {
	return f.byUser[userID], nil
}

func (f *fakeAccessRepo) Update(ctx context.Context, userID string, a *accesses.Access) error {
	return nil
}

func (f *fakeAccessRepo) Delete(ctx context.Context, userID, id string, deletedAt float64) error {
	return nil
}

func (f *fakeAccessRepo) DeleteAll(ctx context.Context, userID string) error {
	delete(f.byUser, userID)
	return nil
}

// --- sessions ----------------------------------------------------------

type fakeSessionRepo struct {
	byToken map[string]*sessions.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{byToken: map[string]*sessions.Session{}}
}

func (f *fakeSessionRepo) Insert(ctx context.Context, s *sessions.Session) error {
	f.byToken[s.Token] = s
	return nil
}

func (f *fakeSessionRepo) Get(ctx context.Context, token string) (*sessions.Session, error) {
	s, ok := f.byToken[token]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeSessionRepo) Find(ctx context.Context, username, appID string) (*sessions.Session, error) {
	for _, s := range f.byToken {
		if s.Username == username && s.AppID == appID {
			return s, nil
		}
	}
	return nil, sessions.ErrSessionNotFound
}

func (f *fakeSessionRepo) Touch(ctx context.Context, token string, at float64) error {
	if s, ok := f.byToken[token]; ok {
		s.LastAccess = at
		return nil
	}
	return sessions.ErrSessionNotFound
}

func (f *fakeSessionRepo) Delete(ctx context.Context, token string) error {
	if _, ok := f.byToken[token]; !ok {
		return sessions.ErrSessionNotFound
	}
	delete(f.byToken, token)
	return nil
}

func (f *fakeSessionRepo) DeleteForUser(ctx context.Context, username string) error {
	for token, s := range f.byToken {
		if s.Username == username {
			delete(f.byToken, token)
		}
	}
	return nil
}

func (f *fakeSessionRepo) DeleteExpired(ctx context.Context, cutoff float64) (int64, error) {
	return 0, nil
}

// --- misc ports --------------------------------------------------------

type fakeDropper struct {
	repo    *memEventRepo
	dropped []string
}

func (f *fakeDropper) Remove(userID string) error {
	f.dropped = append(f.dropped, userID)
	if f.repo != nil {
		delete(f.repo.byUser, userID)
	}
	return nil
}

type recordingMailer struct {
	sent []string
	err  error
}

func (m *recordingMailer) SendWelcome(ctx context.Context, username, email, language string) error {
	m.sent = append(m.sent, username+"/"+email+"/"+language)
	return m.err
}
