package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/Hussein-Mazeh/keyvault/internal/service"
)

type setupRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.mapError(w, r, err)
		return
	}
	init, err := s.svc.IsInitialized(r.Context())
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	if init {
		s.mapError(w, r, service.ErrAlreadyInitialized)
		return
	}
	if err := service.CheckConfirmation(req.Password, req.ConfirmPassword); err != nil {
		s.mapError(w, r, err)
		return
	}
	if err := s.svc.Setup(r.Context(), req.Password); err != nil {
		s.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: "vault initialized"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if ok, wait := s.login.reserve(clientIP(r)); !ok {
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts, try again later")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.mapError(w, r, err)
		return
	}
	sess, err := s.svc.Login(r.Context(), req.Password)
	if err != nil {
		if errors.Is(err, service.ErrAuthentication) {
			s.log.Warn().Str("remote", clientIP(r)).Msg("failed login")
		}
		s.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: sess.Token,
		TokenType:   "bearer",
		ExpiresIn:   int64(sess.ExpiresIn.Seconds()),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.svc.Logout()
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

func (s *Server) handleLock(w http.ResponseWriter, _ *http.Request) {
	s.svc.Lock()
	writeJSON(w, http.StatusOK, messageResponse{Message: "vault locked"})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.mapError(w, r, err)
		return
	}
	if err := service.CheckConfirmation(req.NewPassword, req.ConfirmPassword); err != nil {
		s.mapError(w, r, err)
		return
	}
	err := s.svc.ChangePassword(r.Context(), req.CurrentPassword, req.NewPassword)
	if errors.Is(err, service.ErrAuthentication) {
		// The session itself is fine; only the submitted password is wrong.
		writeError(w, http.StatusBadRequest, "invalid_current_password", "current password is incorrect")
		return
	}
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "master password changed"})
}
