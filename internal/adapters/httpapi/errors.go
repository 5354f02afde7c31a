package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/nullable"

	"github.com/chess-club/federation-api/internal/app/federation"
)

type ErrorBody struct {
	Code      string                            `json:"code"`
	Message   string                            `json:"message"`
	Details   nullable.Nullable[map[string]any] `json:"details,omitempty"`
	RequestId nullable.Nullable[string]         `json:"requestId,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]any) {
	var er ErrorResponse
	er.Error.Code = code
	er.Error.Message = message
	if details != nil {
		er.Error.Details = nullable.NewNullableWithValue(details)
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		er.Error.RequestId = nullable.NewNullableWithValue(rid)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(er)
}

// writeAppError maps lifecycle errors to their HTTP status. Anything else is a 500
// whose cause is logged, not returned.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *federation.Error
	if errors.As(err, &ae) && ae.Status != 0 {
		if ae.Status >= http.StatusInternalServerError {
			s.logError(r, ae.Code, err)
		}
		writeError(w, r, ae.Status, ae.Code, ae.Message, ae.Details)
		return
	}
	if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		// Client went away; nobody reads the body.
		w.WriteHeader(499)
		return
	}
	s.logError(r, "INTERNAL", err)
	writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
