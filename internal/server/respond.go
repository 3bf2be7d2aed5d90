package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Hussein-Mazeh/keyvault/auth"
	"github.com/Hussein-Mazeh/keyvault/internal/keystore"
	"github.com/Hussein-Mazeh/keyvault/internal/service"
	"github.com/Hussein-Mazeh/keyvault/krypto"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, code, errorBody{Error: kind, Message: msg})
}

// mapError turns a service-layer error into a status and error code. Only
// validation messages are echoed back; everything else gets a fixed text.
func (s *Server) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, service.ErrAuthentication):
		writeError(w, http.StatusUnauthorized, "authentication_failed", "invalid master password")
	case errors.Is(err, service.ErrNotInitialized):
		writeError(w, http.StatusForbidden, "not_initialized", "vault is not initialized, set up a master password first")
	case errors.Is(err, service.ErrAlreadyInitialized):
		writeError(w, http.StatusConflict, "already_initialized", "vault is already initialized")
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "account not found")
	case errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "an account with this email already exists")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "session token expired")
	case errors.Is(err, auth.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid session token")
	case errors.Is(err, keystore.ErrVaultLocked):
		writeError(w, http.StatusUnauthorized, "session_expired", "session expired, please re-authenticate")
	case errors.Is(err, krypto.ErrIntegrity):
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("integrity failure")
		writeError(w, http.StatusInternalServerError, "integrity_failure", "stored data failed its integrity check")
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", service.ErrValidation, err)
	}
	return nil
}
