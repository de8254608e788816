package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vyvo/forge/bridge/pkg/training"
)

// ErrorDetail mirrors one entry of a validation error list.
type ErrorDetail struct {
	Type string   `json:"type"`
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Ctx  any      `json:"ctx,omitempty"`
}

// ValidationError is the 422 body for a rejected training config.
type ValidationError struct {
	Detail []ErrorDetail `json:"detail"`
}

func validationError(err error) ValidationError {
	detail := ErrorDetail{Type: "value_error", Loc: []string{"body"}, Msg: err.Error()}
	var cfgErr *training.ConfigError
	if errors.As(err, &cfgErr) {
		if cfgErr.Field != "payload" {
			detail.Loc = append(detail.Loc, cfgErr.Field)
		}
		detail.Msg = cfgErr.Reason
		if cfgErr.Value != nil {
			detail.Ctx = map[string]any{"given": cfgErr.Value}
		}
	}
	return ValidationError{Detail: []ErrorDetail{detail}}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"detail": message}, status)
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, http.StatusUnauthorized, err.Error())
}
