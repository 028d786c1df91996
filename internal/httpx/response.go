package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Vasu1712/framerate-backend/internal/requestctx"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success       bool   `json:"success"`
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteJSON writes a JSON response with the provided status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON reads a JSON request body of at most 1 MiB into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) *HTTPError {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return BadRequest("invalid JSON body", err)
	}
	return nil
}

// WriteError writes the error envelope. Client errors are logged quietly, not-found
// only at debug.
func WriteError(w http.ResponseWriter, r *http.Request, he *HTTPError) {
	cid := requestctx.CorrelationID(r.Context())
	if cid != "" {
		w.Header().Set("X-Correlation-Id", cid)
	}
	status := he.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	var ev *zerolog.Event
	switch {
	case status == http.StatusNotFound:
		ev = log.Debug()
	case status >= 500:
		ev = log.Error()
	default:
		ev = log.Info()
	}
	ev.Str("correlation_id", cid).Str("code", he.Code).Err(he.Err).Msg(he.Message)

	WriteJSON(w, status, ErrorResponse{
		Success:       false,
		Error:         he.Message,
		Code:          he.Code,
		CorrelationID: cid,
	})
}
