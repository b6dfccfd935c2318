package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/middleware"
	"github.com/sirupsen/logrus"
)

// maxJSONBody bounds request bodies of the JSON endpoints
const maxJSONBody = 1 << 20

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data}); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

// writeError maps an error to its status code. Internal causes are logged,
// never sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := statusFor(apperr.CodeOf(err))
	message := apperr.Message(err)
	if statusCode == http.StatusInternalServerError {
		message = "Internal server error"
	}

	entry := s.logger.WithFields(logrus.Fields{
		"request_id": middleware.RequestIDFromContext(r.Context()),
		"status":     statusCode,
		"error":      err,
	})
	if statusCode >= http.StatusInternalServerError {
		entry.Error("API error")
	} else {
		entry.Debug("API error")
	}

	s.writeErrorMessage(w, statusCode, message)
}

func (s *Server) writeErrorMessage(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message}) //nolint:errcheck
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeNotOwner, apperr.CodeForbidden, apperr.CodeExpiredOrInvalid:
		return http.StatusForbidden
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Wrap(apperr.CodeInvalidArgument, "Invalid JSON body", err)
	}
	return nil
}
