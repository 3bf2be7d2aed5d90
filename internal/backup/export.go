// Package backup writes plaintext exports of the vault's accounts to disk on
// demand or on a schedule. An export that needs secrets fails outright when
// the vault is locked or a blob does not authenticate.
package backup

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hussein-Mazeh/keyvault/internal/service"
	"github.com/Hussein-Mazeh/keyvault/store"
)

// FilePrefix starts every backup file name.
const FilePrefix = "backup_"

const (
	timestampLayout = "20060102_150405"
	maxNameAttempts = 100
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "json" or "csv" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown backup format %q", s)
	}
}

// Source supplies the accounts to export.
type Source interface {
	ExportAccounts(ctx context.Context, withSecrets bool) ([]service.AccountSecrets, error)
}

// Options configures an Exporter.
type Options struct {
	Dir            string
	Format         Format
	KeepCount      int
	IncludeSecrets bool
	Logger         zerolog.Logger
}

// Exporter writes backup files into one directory and enforces retention.
type Exporter struct {
	src     Source
	paths   store.Paths
	format  Format
	keep    int
	secrets bool
	now     func() time.Time
	log     zerolog.Logger
}

// Result describes a finished export. File is empty when there was nothing
// to export.
type Result struct {
	File     string
	Accounts int
	Pruned   []string
}

// NewExporter validates opts.
func NewExporter(src Source, opts Options) (*Exporter, error) {
	if src == nil {
		return nil, fmt.Errorf("backup source is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	format, err := ParseFormat(string(opts.Format))
	if err != nil {
		return nil, err
	}
	if opts.KeepCount < 1 {
		return nil, fmt.Errorf("backup keep count must be at least 1")
	}
	return &Exporter{
		src:     src,
		paths:   store.Paths{Dir: opts.Dir},
		format:  format,
		keep:    opts.KeepCount,
		secrets: opts.IncludeSecrets,
		now:     time.Now,
		log:     opts.Logger.With().Str("component", "backup").Logger(),
	}, nil
}

// Run exports every live account, writes the file atomically and prunes old
// backups beyond the keep count.
func (e *Exporter) Run(ctx context.Context) (Result, error) {
	rows, err := e.src.ExportAccounts(ctx, e.secrets)
	if err != nil {
		return Result{}, fmt.Errorf("backup: %w", err)
	}
	if len(rows) == 0 {
		e.log.Info().Msg("no accounts to back up")
		return Result{}, nil
	}

	data, err := Encode(e.format, rows, e.secrets)
	if err != nil {
		return Result{}, err
	}

	name, err := e.write(data)
	if err != nil {
		return Result{}, fmt.Errorf("backup: %w", err)
	}
	e.log.Info().Str("file", name).Int("accounts", len(rows)).Msg("backup written")

	res := Result{File: name, Accounts: len(rows)}
	res.Pruned, err = store.Prune(e.paths, FilePrefix, e.keep)
	if err != nil {
		e.log.Error().Err(err).Msg("backup retention failed")
	}
	for _, p := range res.Pruned {
		e.log.Info().Str("file", p).Msg("old backup removed")
	}
	return res, nil
}

// write stores data under backup_<timestamp>.<ext>. A second backup within
// the same second gets a _1, _2, ... suffix instead of replacing the first.
func (e *Exporter) write(data []byte) (string, error) {
	stamp := FilePrefix + e.now().Format(timestampLayout)
	ext := "." + string(e.format)
	for i := 0; i < maxNameAttempts; i++ {
		name := stamp + ext
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stamp, i, ext)
		}
		err := store.WriteFileNew(e.paths, name, data)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return name, err
	}
	return "", fmt.Errorf("no free file name for %s%s", stamp, ext)
}

// List returns existing backups, newest first.
func (e *Exporter) List() ([]store.File, error) {
	return store.List(e.paths, FilePrefix)
}

// Path resolves a backup file name for download.
func (e *Exporter) Path(name string) (string, error) {
	if !strings.HasPrefix(name, FilePrefix) {
		return "", fmt.Errorf("invalid backup name %q", name)
	}
	return e.paths.Path(name)
}

// Remove deletes one backup file.
func (e *Exporter) Remove(name string) error {
	if !strings.HasPrefix(name, FilePrefix) {
		return fmt.Errorf("invalid backup name %q", name)
	}
	return store.Remove(e.paths, name)
}

// Settings reports the exporter's configuration for display.
func (e *Exporter) Settings() (Format, int, bool) {
	return e.format, e.keep, e.secrets
}

type record struct {
	ID         string  `json:"id"`
	Email      string  `json:"email"`
	Note       string  `json:"note"`
	Source     string  `json:"source"`
	Password   *string `json:"password,omitempty"`
	TOTPSecret *string `json:"totp_secret,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// Encode renders rows in the given format. Secret columns are present only
// when withSecrets is set.
func Encode(format Format, rows []service.AccountSecrets, withSecrets bool) ([]byte, error) {
	recs := make([]record, 0, len(rows))
	for _, r := range rows {
		rec := record{
			ID:        r.ID,
			Email:     r.Email,
			Note:      r.Note,
			Source:    r.Source,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if withSecrets {
			pw, totp := r.Password, r.TOTPSecret
			rec.Password, rec.TOTPSecret = &pw, &totp
		}
		recs = append(recs, rec)
	}

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(recs, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json backup: %w", err)
		}
		return append(data, '\n'), nil
	case FormatCSV:
		return encodeCSV(recs, withSecrets)
	default:
		return nil, fmt.Errorf("unknown backup format %q", format)
	}
}

func encodeCSV(recs []record, withSecrets bool) ([]byte, error) {
	header := []string{"id", "email", "note", "source"}
	if withSecrets {
		header = append(header, "password", "totp_secret")
	}
	header = append(header, "created_at", "updated_at")

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("encode csv backup: %w", err)
	}
	for _, r := range recs {
		line := []string{r.ID, r.Email, r.Note, r.Source}
		if withSecrets {
			line = append(line, *r.Password, *r.TOTPSecret)
		}
		line = append(line, r.CreatedAt, r.UpdatedAt)
		if err := w.Write(line); err != nil {
			return nil, fmt.Errorf("encode csv backup: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode csv backup: %w", err)
	}
	return buf.Bytes(), nil
}
