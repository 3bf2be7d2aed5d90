package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Hussein-Mazeh/keyvault/internal/service"
)

type accountList struct {
	Items []service.Account `json:"items"`
	Total int               `json:"total"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.ListAccounts(r.Context())
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	if items == nil {
		items = []service.Account{}
	}
	writeJSON(w, http.StatusOK, accountList{Items: items, Total: len(items)})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var in service.AccountInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.mapError(w, r, err)
		return
	}
	acct, err := s.svc.CreateAccount(r.Context(), in)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var in service.AccountUpdate
	if err := decodeJSON(w, r, &in); err != nil {
		s.mapError(w, r, err)
		return
	}
	acct, err := s.svc.UpdateAccount(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevealPassword(w http.ResponseWriter, r *http.Request) {
	pw, err := s.svc.RevealPassword(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"password": pw})
}

func (s *Server) handleRevealTOTP(w http.ResponseWriter, r *http.Request) {
	secret, err := s.svc.RevealTOTP(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"totp_secret": secret})
}
