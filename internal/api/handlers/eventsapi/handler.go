// Package eventsapi exposes the event methods over HTTP.
package eventsapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"Strata/internal/api/middleware"
	"Strata/internal/api/respond"
	"Strata/internal/core/apierrors"
	"Strata/internal/core/events"
)

// Handler serves /:username/events.
type Handler struct {
	svc *events.Service
	log zerolog.Logger
}

// New creates the events handler.
func New(svc *events.Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With().Str("handler", "events").Logger()}
}

// List handles GET /:username/events.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)
	params, err := parseGetParams(r)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	result, err := h.svc.Get(r.Context(), mc.EventsCaller(), params)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	if result == nil {
		result = []*events.Event{}
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{"events": result})
}

// GetOne handles GET /:username/events/{id}. ?includeHistory=true attaches
// the frozen past versions.
func (h *Handler) GetOne(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)
	id := chi.URLParam(r, "id")

	e, err := h.svc.GetOne(r.Context(), mc.EventsCaller(), id)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	body := map[string]interface{}{"event": e}
	if r.URL.Query().Get("includeHistory") == "true" {
		history, err := h.svc.History(r.Context(), mc.EventsCaller(), id)
		if err != nil {
			respond.Error(w, h.log, err)
			return
		}
		if history == nil {
			history = []*events.Event{}
		}
		body["history"] = history
	}
	respond.JSON(w, http.StatusOK, body)
}

// Create handles POST /:username/events.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)

	var e events.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		respond.Error(w, h.log, apierrors.Wrap(apierrors.InvalidParametersFormat,
			"malformed event body", err))
		return
	}
	created, err := h.svc.Create(r.Context(), mc.EventsCaller(), &e)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]interface{}{"event": created})
}

// Update handles PUT /:username/events/{id}: the body is merged over the
// current state, so clients send only the fields they change.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)
	id := chi.URLParam(r, "id")

	current, err := h.svc.GetOne(r.Context(), mc.EventsCaller(), id)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	next := *current
	next.StreamIDs = append([]string(nil), current.StreamIDs...)
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		respond.Error(w, h.log, apierrors.Wrap(apierrors.InvalidParametersFormat,
			"malformed event body", err))
		return
	}
	next.ID = id

	updated, err := h.svc.Update(r.Context(), mc.EventsCaller(), &next)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{"event": updated})
}

// Delete handles DELETE /:username/events/{id}: first call trashes, second
// tombstones.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	mc := middleware.FromRequest(r)
	id := chi.URLParam(r, "id")

	e, err := h.svc.Delete(r.Context(), mc.EventsCaller(), id)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	if e.Deleted != nil {
		respond.JSON(w, http.StatusOK, map[string]interface{}{
			"eventDeletion": map[string]interface{}{"id": id, "deleted": *e.Deleted},
		})
		return
	}
	respond.JSON(w, http.StatusOK, map[string]interface{}{"event": e})
}

func parseGetParams(r *http.Request) (events.GetParams, error) {
	q := r.URL.Query()
	var p events.GetParams

	var err error
	if p.FromTime, err = parseFloat(q.Get("fromTime")); err != nil {
		return p, err
	}
	if p.ToTime, err = parseFloat(q.Get("toTime")); err != nil {
		return p, err
	}
	if p.ModifiedSince, err = parseFloat(q.Get("modifiedSince")); err != nil {
		return p, err
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, apierrors.New(apierrors.InvalidParametersFormat, "invalid limit "+raw)
		}
		p.Limit = n
	}
	p.SortAscending = q.Get("sortAscending") == "true"
	p.Running = q.Get("running") == "true"
	p.State = q.Get("state")
	p.Types = append(q["types[]"], q["types"]...)

	streams, err := parseStreamsParam(q["streams[]"], q.Get("streams"))
	if err != nil {
		return p, err
	}
	p.Streams = streams
	return p, nil
}

// parseStreamsParam accepts either repeated flat stream ids (any-of) or a
// JSON-encoded query in disjunctive normal form.
func parseStreamsParam(flat []string, encoded string) (events.StreamsQuery, error) {
	if encoded != "" && encoded[0] == '[' {
		var q events.StreamsQuery
		if err := json.Unmarshal([]byte(encoded), &q); err != nil {
			return nil, apierrors.Wrap(apierrors.InvalidParametersFormat,
				"malformed streams query", err)
		}
		return q, nil
	}
	if encoded != "" {
		flat = append(flat, encoded)
	}
	if len(flat) == 0 {
		return nil, nil
	}
	return events.StreamsQuery{events.StreamsQueryBlock{{Any: flat}}}, nil
}

func parseFloat(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, apierrors.New(apierrors.InvalidParametersFormat, "invalid timestamp "+raw)
	}
	return &v, nil
}
