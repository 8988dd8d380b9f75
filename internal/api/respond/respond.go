// Package respond writes the API's JSON envelopes: result objects on
// success, {error: {id, message, data?}} on failure.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"Strata/internal/core/apierrors"
)

type errorBody struct {
	ID      apierrors.ID           `json:"id"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error maps err onto the wire envelope. Non-API errors surface as
// unexpectedError with their cause kept server-side only.
func Error(w http.ResponseWriter, log zerolog.Logger, err error) {
	apiErr := apierrors.As(err)
	if apiErr == nil {
		apiErr = apierrors.Unexpected("", err)
	}
	if apiErr.ID == apierrors.UnexpectedError {
		log.Error().Err(err).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("errorId", string(apiErr.ID)).Msg("request rejected")
	}
	JSON(w, apiErr.HTTPStatus(), errorEnvelope{Error: errorBody{
		ID:      apiErr.ID,
		Message: apiErr.Message,
		Data:    apiErr.Data,
	}})
}
