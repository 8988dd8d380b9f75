package users

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"Strata/internal/core/events"
	"Strata/internal/core/systemstreams"
)

type fakeIndex struct {
	byUsername map[string]string
}

func (f *fakeIndex) Add(ctx context.Context, username, userID string) error {
	if _, ok := f.byUsername[username]; ok {
		return ErrUsernameTaken
	}
	f.byUsername[username] = userID
	return nil
}

func (f *fakeIndex) GetUserID(ctx context.Context, username string) (string, error) {
	id, ok := f.byUsername[username]
	if !ok {
		return "", ErrUserNotFound
	}
	return id, nil
}

func (f *fakeIndex) GetUsername(ctx context.Context, userID string) (string, error) {
	for name, id := range f.byUsername {
		if id == userID {
			return name, nil
		}
	}
	return "", ErrUserNotFound
}

func (f *fakeIndex) Exists(ctx context.Context, username string) (bool, error) {
	_, ok := f.byUsername[username]
	return ok, nil
}

func (f *fakeIndex) All(ctx context.Context) (map[string]string, error) {
	return f.byUsername, nil
}

func (f *fakeIndex) Delete(ctx context.Context, username string) error {
	delete(f.byUsername, username)
	return nil
}

type fakeAccountStorage struct {
	history map[string][]PasswordEntry // most recent first
}

func (f *fakeAccountStorage) AddPasswordHash(ctx context.Context, userID string, entry PasswordEntry) error {
	f.history[userID] = append([]PasswordEntry{entry}, f.history[userID]...)
	return nil
}

func (f *fakeAccountStorage) CurrentPasswordHash(ctx context.Context, userID string) (string, error) {
	h := f.history[userID]
	if len(h) == 0 {
		return "", ErrUserNotFound
	}
	return h[0].Hash, nil
}

func (f *fakeAccountStorage) PasswordHistory(ctx context.Context, userID string, n int) ([]PasswordEntry, error) {
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

// fakeEventRepo serves canned results for Get; everything else is unused
// by the account service.
type fakeEventRepo struct {
	events.Repository
	results []*events.Event
}

func (f *fakeEventRepo) Get(ctx context.Context, userID string, q events.Query) ([]*events.Event, error) {
	return f.results, nil
}

func testCatalogue(t *testing.T) *systemstreams.Catalogue {
	t.Helper()
	cat, err := systemstreams.Build(systemstreams.Config{
		Account: []systemstreams.CustomStream{
			{ID: "email", Type: "email/string", IsUnique: true, IsIndexed: true},
		},
	})
	require.NoError(t, err)
	return cat
}

func newTestService(t *testing.T, repo events.Repository, rules PasswordRules, now func() float64) (Service, *fakeIndex, *fakeAccountStorage) {
	t.Helper()
	index := &fakeIndex{byUsername: map[string]string{"toto-fernandez": "u-1"}}
	store := &fakeAccountStorage{history: map[string][]PasswordEntry{}}
	svc := NewService(index, store, repo, testCatalogue(t), rules, now, zerolog.Nop())
	return svc, index, store
}

func TestGetByUsernameComposesAccountView(t *testing.T) {
	repo := &fakeEventRepo{results: []*events.Event{
		{
			ID:        "e-1",
			StreamIDs: []string{":system:email", ".active", ".unique"},
			Type:      "email/string",
			Content:   "toto@example.com",
		},
		{
			ID:        "e-2",
			StreamIDs: []string{":_system:language", ".active"},
			Type:      "language/iso-639-1",
			Content:   "fr",
		},
		{
			// Not an account stream; must not leak into the view.
			ID:        "e-3",
			StreamIDs: []string{"diary", ".active"},
			Type:      "note/txt",
			Content:   "hello",
		},
	}}
	svc, _, _ := newTestService(t, repo, PasswordRules{}, nil)

	u, err := svc.GetByUsername(context.Background(), "toto-fernandez")
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, "toto@example.com", u.Attribute("email"))
	assert.Equal(t, "fr", u.Attribute("language"))
	assert.Nil(t, u.Attribute("diary"))
}

func TestGetByUsernameUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEventRepo{}, PasswordRules{}, nil)
	_, err := svc.GetByUsername(context.Background(), "nobody-here")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSetAndCheckPassword(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEventRepo{}, PasswordRules{MinLength: 6}, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetPassword(ctx, "u-1", "s3cret-pass", "system"))
	assert.NoError(t, svc.CheckPassword(ctx, "u-1", "s3cret-pass"))
	assert.ErrorIs(t, svc.CheckPassword(ctx, "u-1", "wrong"), ErrWrongPassword)
}

func TestSetPasswordTooShort(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEventRepo{}, PasswordRules{MinLength: 8}, nil)
	err := svc.SetPassword(context.Background(), "u-1", "short", "system")
	var weak *WeakPasswordError
	assert.ErrorAs(t, err, &weak)
}

func TestSetPasswordRejectsRecentReuse(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEventRepo{}, PasswordRules{MinLength: 6, PreventReuse: 2}, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetPassword(ctx, "u-1", "password-one", "system"))
	require.NoError(t, svc.SetPassword(ctx, "u-1", "password-two", "system"))

	// Both retained hashes are off limits.
	assert.ErrorIs(t, svc.SetPassword(ctx, "u-1", "password-one", "system"), ErrPasswordReused)
	assert.ErrorIs(t, svc.SetPassword(ctx, "u-1", "password-two", "system"), ErrPasswordReused)

	// A third change pushes password-one out of the retained window.
	require.NoError(t, svc.SetPassword(ctx, "u-1", "password-three", "system"))
	assert.NoError(t, svc.SetPassword(ctx, "u-1", "password-one", "system"))
}

func TestPasswordAgeRules(t *testing.T) {
	clock := 1000000.0
	now := func() float64 { return clock }
	svc, _, store := newTestService(t, &fakeEventRepo{},
		PasswordRules{MinLength: 6, MaxAgeDays: 30, MinAgeDays: 1}, now)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("initial-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.AddPasswordHash(ctx, "u-1", PasswordEntry{
		Hash: string(hash), Created: clock, CreatedBy: "system",
	}))

	// Too young to change.
	assert.ErrorIs(t, svc.SetPassword(ctx, "u-1", "another-pass", "system"), ErrPasswordTooYoung)

	// Fresh enough to log in.
	assert.NoError(t, svc.ValidatePasswordAge(ctx, "u-1"))

	// 31 days later the password has expired and may be changed.
	clock += 31 * 86400
	assert.ErrorIs(t, svc.ValidatePasswordAge(ctx, "u-1"), ErrPasswordExpired)
	assert.NoError(t, svc.SetPassword(ctx, "u-1", "another-pass", "system"))
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("toto-fernandez"))
	assert.NoError(t, ValidateUsername("abc12"))
	assert.Error(t, ValidateUsername("ab"))                  // too short
	assert.Error(t, ValidateUsername("Has-Uppercase"))       // case
	assert.Error(t, ValidateUsername("-leading-hyphen"))     // boundary
	assert.Error(t, ValidateUsername("trailing-hyphen-"))    // boundary
	assert.Error(t, ValidateUsername("with space in it"))    // charset
	assert.Equal(t, "totofe", NormalizeUsername("  TotoFe ")) // normalization
}
