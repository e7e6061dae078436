package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/apperr"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindConnection:
		return http.StatusServiceUnavailable
	case apperr.KindInvalidFilter, apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto its status code. Server-side failures get a
// generic message; the detail only goes to the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	msg := apperr.MessageOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		switch kind {
		case apperr.KindConnection:
			msg = "graph store unavailable"
		default:
			msg = "internal error"
		}
	}

	writeJSON(w, status, ErrorBody{Kind: string(kind), Message: msg})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}
