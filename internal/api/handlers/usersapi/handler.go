// Package usersapi serves registration, user deletion and the account
// surface.
package usersapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"Strata/internal/api/middleware"
	"Strata/internal/api/respond"
	"Strata/internal/core/apierrors"
	"Strata/internal/core/register"
	"Strata/internal/core/registration"
	"Strata/internal/core/users"
)

// Handler serves /users, /reg and /:username/account.
type Handler struct {
	pipeline *registration.Pipeline
	registry register.Registry
	index    users.Index
	accounts users.Service
	log      zerolog.Logger
}

// New creates the users handler.
func New(pipeline *registration.Pipeline, registry register.Registry,
	index users.Index, accounts users.Service, log zerolog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		registry: registry,
		index:    index,
		accounts: accounts,
		log:      log.With().Str("handler", "users").Logger(),
	}
}

// Register handles POST /users. Known top-level parameters feed the
// pipeline request; everything else is treated as an account field
// (email, custom account streams, ...).
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		respond.Error(w, h.log, apierrors.Wrap(apierrors.InvalidParametersFormat,
			"malformed registration body", err))
		return
	}

	req := registration.Request{
		Username:        popString(raw, "username"),
		Password:        popString(raw, "password"),
		AppID:           popString(raw, "appId"),
		InvitationToken: popString(raw, "invitationToken"),
		Referer:         popString(raw, "referer"),
		Fields:          raw,
	}

	result, err := h.pipeline.Register(r.Context(), &req)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusCreated, result)
}

// CheckUsername handles GET /reg/{username}/check_username.
func (h *Handler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	username := users.NormalizeUsername(chi.URLParam(r, "username"))
	if err := users.ValidateUsername(username); err != nil {
		respond.Error(w, h.log, apierrors.Wrap(apierrors.InvalidItemID, err.Error(), err))
		return
	}

	taken, err := h.index.Exists(r.Context(), username)
	if err != nil {
		respond.Error(w, h.log, apierrors.Unexpected("failed to check username", err))
		return
	}
	if !taken {
		reserved, err := h.registry.CheckUsername(r.Context(), username)
		if err != nil {
			respond.Error(w, h.log, apierrors.Unexpected("failed to check username", err))
			return
		}
		taken = reserved
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{"reserved": taken})
}

// Delete handles DELETE /users/{username}: the caller must hold a personal
// token of that very user.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)
	username := users.NormalizeUsername(chi.URLParam(r, "username"))
	if !mc.Logic.Can("account.delete") || mc.Username != username {
		respond.Error(w, h.log, apierrors.New(apierrors.Forbidden,
			"user deletion requires the user's own personal token"))
		return
	}
	if err := h.pipeline.DeleteUser(r.Context(), username); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"userDeletion": map[string]interface{}{"username": username},
	})
}

// Account handles GET /:username/account (personal only).
func (h *Handler) Account(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)
	if !mc.Logic.Can("account.get") {
		respond.Error(w, h.log, apierrors.New(apierrors.Forbidden,
			"account.get requires a personal token"))
		return
	}
	u, err := h.accounts.GetByUsername(r.Context(), mc.Username)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			respond.Error(w, h.log, apierrors.New(apierrors.UnknownResource,
				"unknown user "+mc.Username))
			return
		}
		respond.Error(w, h.log, apierrors.Unexpected("failed to load account", err))
		return
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{"account": u.Account})
}

func popString(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	delete(m, key)
	s, _ := v.(string)
	return s
}
