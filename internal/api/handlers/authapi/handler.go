// Package authapi serves login and logout: sessions are minted here and
// the personal access carrying the session token is kept in step.
package authapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Strata/internal/api/middleware"
	"Strata/internal/api/respond"
	"Strata/internal/core/accesses"
	"Strata/internal/core/apierrors"
	"Strata/internal/core/sessions"
	"Strata/internal/core/systemstreams"
	"Strata/internal/core/users"
)

// Handler serves /:username/auth.
type Handler struct {
	index      users.Index
	accounts   users.Service
	sessionMgr *sessions.Manager
	accessRepo accesses.Repository
	apiDomain  string
	now        func() float64
	log        zerolog.Logger
}

// New creates the auth handler. now nil falls back to the real clock.
func New(index users.Index, accounts users.Service, sessionMgr *sessions.Manager,
	accessRepo accesses.Repository, apiDomain string, now func() float64,
	log zerolog.Logger) *Handler {
	if now == nil {
		now = systemstreams.Now
	}
	return &Handler{
		index:      index,
		accounts:   accounts,
		sessionMgr: sessionMgr,
		accessRepo: accessRepo,
		apiDomain:  apiDomain,
		now:        now,
		log:        log.With().Str("handler", "auth").Logger(),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	AppID    string `json:"appId"`
}

type loginResponse struct {
	Token       string `json:"token"`
	APIEndpoint string `json:"apiEndpoint"`
}

// Login handles POST /:username/auth/login. The returned token is both the
// session id and the personal access token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, h.log, apierrors.Wrap(apierrors.InvalidParametersFormat,
			"malformed login body", err))
		return
	}
	username := users.NormalizeUsername(chi.URLParam(r, "username"))
	if body := users.NormalizeUsername(req.Username); body != "" && body != username {
		respond.Error(w, h.log, apierrors.New(apierrors.InvalidOperation,
			"login username does not match the request path"))
		return
	}
	if req.AppID == "" {
		respond.Error(w, h.log, apierrors.New(apierrors.InvalidParametersFormat,
			"appId is required"))
		return
	}

	userID, err := h.index.GetUserID(r.Context(), username)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			// Same answer as a wrong password: login probes must not
			// reveal which usernames exist.
			respond.Error(w, h.log, invalidCredentials())
			return
		}
		respond.Error(w, h.log, apierrors.Unexpected("failed to resolve user", err))
		return
	}
	if err := h.accounts.CheckPassword(r.Context(), userID, req.Password); err != nil {
		if errors.Is(err, users.ErrWrongPassword) {
			respond.Error(w, h.log, invalidCredentials())
			return
		}
		respond.Error(w, h.log, apierrors.Unexpected("failed to verify password", err))
		return
	}
	if err := h.accounts.ValidatePasswordAge(r.Context(), userID); err != nil {
		if errors.Is(err, users.ErrPasswordExpired) {
			respond.Error(w, h.log, apierrors.Wrap(apierrors.InvalidOperation,
				"password has expired and must be changed", err))
			return
		}
		respond.Error(w, h.log, apierrors.Unexpected("failed to check password age", err))
		return
	}

	session, err := h.sessionMgr.Open(r.Context(), username, req.AppID)
	if err != nil {
		respond.Error(w, h.log, apierrors.Unexpected("failed to open session", err))
		return
	}
	if err := h.ensurePersonalAccess(r, userID, req.AppID, session.Token); err != nil {
		respond.Error(w, h.log, err)
		return
	}

	respond.JSON(w, http.StatusOK, loginResponse{
		Token:       session.Token,
		APIEndpoint: fmt.Sprintf("https://%s.%s/", username, h.apiDomain),
	})
}

// Logout handles POST /:username/auth/logout (authenticated, personal).
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)
	if !mc.Access.IsPersonal() {
		respond.Error(w, h.log, apierrors.New(apierrors.Forbidden,
			"logout requires a personal token"))
		return
	}
	if err := h.sessionMgr.Close(r.Context(), mc.Access.Token); err != nil {
		respond.Error(w, h.log, apierrors.Unexpected("failed to close session", err))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{})
}

// ensurePersonalAccess backs the session token with a personal access, so
// the auth middleware resolves it like any other token.
func (h *Handler) ensurePersonalAccess(r *http.Request, userID, appID, token string) error {
	_, err := h.accessRepo.GetByToken(r.Context(), userID, token)
	if err == nil {
		return nil
	}
	if !errors.Is(err, accesses.ErrAccessNotFound) {
		return apierrors.Unexpected("failed to load personal access", err)
	}
	now := h.now()
	access := &accesses.Access{
		ID:         uuid.NewString(),
		Token:      token,
		Type:       accesses.TypePersonal,
		Name:       appID,
		Created:    now,
		CreatedBy:  "system",
		Modified:   now,
		ModifiedBy: "system",
	}
	if err := h.accessRepo.Create(r.Context(), userID, access); err != nil {
		return apierrors.Unexpected("failed to create personal access", err)
	}
	return nil
}

func invalidCredentials() error {
	return apierrors.New(apierrors.InvalidAccessToken, "invalid credentials")
}
