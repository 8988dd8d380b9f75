// Package accessesapi exposes the access methods over HTTP.
package accessesapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"Strata/internal/api/middleware"
	"Strata/internal/api/respond"
	"Strata/internal/core/accesses"
	"Strata/internal/core/apierrors"
)

// Handler serves /:username/accesses.
type Handler struct {
	svc *accesses.Service
	log zerolog.Logger
}

// New creates the accesses handler.
func New(svc *accesses.Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With().Str("handler", "accesses").Logger()}
}

// List handles GET /:username/accesses.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)
	result, err := h.svc.Get(r.Context(), mc.AccessActor())
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	if result == nil {
		result = []*accesses.Access{}
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{"accesses": result})
}

// Create handles POST /:username/accesses.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)

	var candidate accesses.Access
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		respond.Error(w, h.log, apierrors.Wrap(apierrors.InvalidParametersFormat,
			"malformed access body", err))
		return
	}
	created, err := h.svc.Create(r.Context(), mc.AccessActor(), &candidate)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]interface{}{"access": created})
}

// Delete handles DELETE /:username/accesses/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)
	id := chi.URLParam(r, "id")

	if err := h.svc.Delete(r.Context(), mc.AccessActor(), id); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"accessDeletion": map[string]interface{}{"id": id},
	})
}

type checkAppRequest struct {
	RequestingAppID      string               `json:"requestingAppId"`
	DeviceName           string               `json:"deviceName"`
	RequestedPermissions accesses.Permissions `json:"requestedPermissions"`
}

// CheckApp handles POST /:username/accesses/check-app.
func (h *Handler) CheckApp(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)

	var req checkAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, h.log, apierrors.Wrap(apierrors.InvalidParametersFormat,
			"malformed check-app body", err))
		return
	}
	result, err := h.svc.CheckApp(r.Context(), mc.AccessActor(),
		req.RequestingAppID, req.DeviceName, req.RequestedPermissions)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, result)
}
