// Package middleware authenticates API calls: it resolves the username in
// the path, the token in the auth header, and exposes the evaluated access
// to handlers as a MethodContext.
package middleware

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"Strata/internal/core/accesses"
	"Strata/internal/core/apierrors"
	"Strata/internal/core/events"
	"Strata/internal/core/sessions"
	"Strata/internal/core/streams"
	"Strata/internal/core/systemstreams"
	"Strata/internal/core/users"
)

type contextKey string

const methodContextKey contextKey = "methodContext"

// Default sizing of the access-by-token cache.
const (
	accessCacheSize = 10000
	accessCacheTTL  = time.Minute
)

// MethodContext is the authenticated state of one API call.
type MethodContext struct {
	UserID   string
	Username string
	Access   *accesses.Access
	Logic    *accesses.Logic
	// CallerID is the optional suffix of the auth header, kept for
	// tracking-property stamps.
	CallerID string
}

// Tag is the createdBy/modifiedBy stamp for this call.
func (mc *MethodContext) Tag() string {
	if mc.CallerID != "" {
		return mc.Access.ID + " " + mc.CallerID
	}
	return mc.Access.ID
}

// EventsCaller adapts the context for the event methods.
func (mc *MethodContext) EventsCaller() events.Caller {
	return events.Caller{
		UserID:   mc.UserID,
		Username: mc.Username,
		AccessID: mc.Access.ID,
		CallerID: mc.CallerID,
		Personal: mc.Access.IsPersonal(),
		Perms:    mc.Logic,
	}
}

// AccessActor adapts the context for the access methods.
func (mc *MethodContext) AccessActor() accesses.Actor {
	return accesses.Actor{
		UserID:   mc.UserID,
		Username: mc.Username,
		Logic:    mc.Logic,
		Tag:      mc.Tag(),
	}
}

// CustomAuthStep is the operator hook run after token verification; a
// non-nil error rejects the call as invalidAccessToken.
type CustomAuthStep func(r *http.Request, mc *MethodContext) error

// Authenticator builds MethodContexts for requests under /:username/.
type Authenticator struct {
	index       users.Index
	accessRepo  accesses.Repository
	sessionMgr  *sessions.Manager
	cat         *systemstreams.Catalogue
	streamsRepo streams.Repository
	logicCfg    accesses.LogicConfig
	cache       *expirable.LRU[string, *accesses.Access]
	custom      CustomAuthStep
	now         func() float64
	log         zerolog.Logger
}

// NewAuthenticator wires the auth middleware. custom may be nil; now nil
// falls back to the real clock.
func NewAuthenticator(index users.Index, accessRepo accesses.Repository,
	sessionMgr *sessions.Manager, cat *systemstreams.Catalogue,
	streamsRepo streams.Repository, logicCfg accesses.LogicConfig,
	custom CustomAuthStep, now func() float64, log zerolog.Logger) *Authenticator {
	if now == nil {
		now = systemstreams.Now
	}
	return &Authenticator{
		index:       index,
		accessRepo:  accessRepo,
		sessionMgr:  sessionMgr,
		cat:         cat,
		streamsRepo: streamsRepo,
		logicCfg:    logicCfg,
		cache:       expirable.NewLRU[string, *accesses.Access](accessCacheSize, nil, accessCacheTTL),
		custom:      custom,
		now:         now,
		log:         log.With().Str("component", "auth").Logger(),
	}
}

// ParseAuth extracts (token, callerId) from the request: the Authorization
// header ("<token>", "<token> <callerId>", or Basic with the token as
// username), falling back to the auth query parameter.
func ParseAuth(r *http.Request) (token, callerID string) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return r.URL.Query().Get("auth"), ""
	}
	if basic, ok := strings.CutPrefix(header, "Basic "); ok {
		raw, err := base64.StdEncoding.DecodeString(basic)
		if err != nil {
			return "", ""
		}
		token, _, _ = strings.Cut(string(raw), ":")
		return token, ""
	}
	token, callerID, _ = strings.Cut(header, " ")
	return token, strings.TrimSpace(callerID)
}

// RequireAccess authenticates the request and injects the MethodContext.
func (a *Authenticator) RequireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mc, err := a.Load(r)
		if err != nil {
			writeAuthError(w, a.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), methodContextKey, mc)))
	})
}

// Load resolves the request's user and access without installing anything
// into the context. Handlers outside the middleware chain (logout) use it
// directly.
func (a *Authenticator) Load(r *http.Request) (*MethodContext, error) {
	username := users.NormalizeUsername(chi.URLParam(r, "username"))
	if err := users.ValidateUsername(username); err != nil {
		return nil, apierrors.Wrap(apierrors.UnknownResource, "unknown user", err)
	}
	userID, err := a.index.GetUserID(r.Context(), username)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			return nil, apierrors.New(apierrors.UnknownResource, "unknown user "+username)
		}
		return nil, apierrors.Unexpected("failed to resolve user", err)
	}

	token, callerID := ParseAuth(r)
	if token == "" {
		return nil, apierrors.New(apierrors.InvalidAccessToken, "missing access token")
	}

	access, err := a.loadAccess(r.Context(), userID, token)
	if err != nil {
		return nil, err
	}
	if access.IsExpired(a.now()) {
		a.cache.Remove(cacheKey(userID, token))
		return nil, apierrors.New(apierrors.InvalidAccessToken, "access token expired")
	}
	if access.IsPersonal() {
		// Personal tokens are session tokens: the session must still be
		// live, and resolving it refreshes the inactivity window.
		if _, err := a.sessionMgr.Get(r.Context(), token); err != nil {
			a.cache.Remove(cacheKey(userID, token))
			if errors.Is(err, sessions.ErrSessionNotFound) {
				return nil, apierrors.New(apierrors.InvalidAccessToken, "session expired")
			}
			return nil, apierrors.Unexpected("failed to resolve session", err)
		}
	}

	resolver := streams.NewResolver(r.Context(), userID, a.cat, a.streamsRepo, a.log)
	mc := &MethodContext{
		UserID:   userID,
		Username: username,
		Access:   access,
		Logic:    accesses.NewLogic(access, resolver, a.logicCfg),
		CallerID: callerID,
	}
	if a.custom != nil {
		if err := a.custom(r, mc); err != nil {
			return nil, apierrors.Wrap(apierrors.InvalidAccessToken,
				"custom auth step rejected the call", err)
		}
	}
	return mc, nil
}

func (a *Authenticator) loadAccess(ctx context.Context, userID, token string) (*accesses.Access, error) {
	key := cacheKey(userID, token)
	if cached, ok := a.cache.Get(key); ok {
		return cached, nil
	}
	access, err := a.accessRepo.GetByToken(ctx, userID, token)
	if err != nil {
		if errors.Is(err, accesses.ErrAccessNotFound) {
			return nil, apierrors.New(apierrors.InvalidAccessToken, "invalid access token")
		}
		return nil, apierrors.Unexpected("failed to load access", err)
	}
	a.cache.Add(key, access)
	return access, nil
}

// Invalidate drops a cached token, after access deletion or user deletion.
func (a *Authenticator) Invalidate(userID, token string) {
	a.cache.Remove(cacheKey(userID, token))
}

func cacheKey(userID, token string) string { return userID + "\x00" + token }

// FromRequest returns the MethodContext installed by RequireAccess.
func FromRequest(r *http.Request) *MethodContext {
	mc, _ := r.Context().Value(methodContextKey).(*MethodContext)
	return mc
}

func writeAuthError(w http.ResponseWriter, log zerolog.Logger, err error) {
	apiErr := apierrors.As(err)
	if apiErr == nil {
		apiErr = apierrors.Unexpected("", err)
	}
	if apiErr.ID == apierrors.UnexpectedError {
		log.Error().Err(err).Msg("authentication failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus())
	body := `{"error":{"id":"` + string(apiErr.ID) + `","message":"` + apiErr.Message + `"}}`
	_, _ = w.Write([]byte(body))
}
