package server

import (
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/Hussein-Mazeh/keyvault/internal/backup"
	"github.com/Hussein-Mazeh/keyvault/store"
)

type backupResult struct {
	Message  string   `json:"message"`
	Filename string   `json:"filename,omitempty"`
	Accounts int      `json:"accounts"`
	Pruned   []string `json:"pruned,omitempty"`
}

type backupSettings struct {
	Enabled        bool          `json:"enabled"`
	Interval       string        `json:"interval"`
	Format         backup.Format `json:"format"`
	KeepCount      int           `json:"keep_count"`
	IncludeSecrets bool          `json:"include_secrets"`
}

type backupListing struct {
	Backups []store.File   `json:"backups"`
	Config  backupSettings `json:"config"`
}

func (s *Server) backupsOff(w http.ResponseWriter) bool {
	if s.backups != nil {
		return false
	}
	writeError(w, http.StatusNotFound, "backups_disabled", "backups are not configured")
	return true
}

func (s *Server) handleBackupNow(w http.ResponseWriter, r *http.Request) {
	if s.backupsOff(w) {
		return
	}
	res, err := s.backups.Run(r.Context())
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	if res.File == "" {
		writeJSON(w, http.StatusOK, backupResult{Message: "no accounts to back up"})
		return
	}
	writeJSON(w, http.StatusOK, backupResult{
		Message:  "backup created",
		Filename: res.File,
		Accounts: res.Accounts,
		Pruned:   res.Pruned,
	})
}

func (s *Server) handleBackupList(w http.ResponseWriter, r *http.Request) {
	if s.backupsOff(w) {
		return
	}
	files, err := s.backups.List()
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	if files == nil {
		files = []store.File{}
	}
	format, keep, secrets := s.backups.Settings()
	writeJSON(w, http.StatusOK, backupListing{
		Backups: files,
		Config: backupSettings{
			Enabled:        s.opts.BackupsEnabled,
			Interval:       s.opts.BackupInterval.String(),
			Format:         format,
			KeepCount:      keep,
			IncludeSecrets: secrets,
		},
	})
}

func (s *Server) handleBackupDownload(w http.ResponseWriter, r *http.Request) {
	if s.backupsOff(w) {
		return
	}
	name := chi.URLParam(r, "filename")
	path, err := s.backups.Path(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filename", "invalid backup file name")
		return
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "backup not found")
			return
		}
		s.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path)
}

func (s *Server) handleBackupDelete(w http.ResponseWriter, r *http.Request) {
	if s.backupsOff(w) {
		return
	}
	name := chi.URLParam(r, "filename")
	if _, err := s.backups.Path(name); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filename", "invalid backup file name")
		return
	}
	if err := s.backups.Remove(name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "backup not found")
			return
		}
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
