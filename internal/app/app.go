// Package app assembles the vault from a Config. Both binaries start here.
package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Hussein-Mazeh/keyvault/auth"
	"github.com/Hussein-Mazeh/keyvault/internal/backup"
	"github.com/Hussein-Mazeh/keyvault/internal/config"
	"github.com/Hussein-Mazeh/keyvault/internal/db"
	"github.com/Hussein-Mazeh/keyvault/internal/keystore"
	"github.com/Hussein-Mazeh/keyvault/internal/pool"
	"github.com/Hussein-Mazeh/keyvault/internal/service"
	"github.com/Hussein-Mazeh/keyvault/krypto"
)

// App owns the open database and the in-memory key.
type App struct {
	Config  *config.Config
	DB      *db.DB
	Keys    *keystore.Store
	Service *service.Service
	Backups *backup.Exporter
	Log     zerolog.Logger
}

// Open opens and migrates the database and wires the service on top.
func Open(cfg *config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	secret, err := auth.SigningKey(cfg.Security.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("token secret: %w", err)
	}
	if cfg.Security.TokenSecret == "" {
		log.Warn().Msg("no token secret configured; sessions will not survive a restart")
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret: secret,
		Issuer: cfg.Security.TokenIssuer,
		TTL:    cfg.Security.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	opts := service.Options{
		Argon2: Argon2Params(cfg.Security.Argon2),
		Scrypt: krypto.DefaultScryptParams(),
		Policy: auth.Policy{
			MinLength: cfg.Security.MinPasswordLen,
			MinScore:  cfg.Security.MinStrengthScore,
		},
		Tokens: tokens,
		Pool:   pool.New(cfg.Security.MaxKDFJobs),
		Logger: log,
	}
	if cfg.Security.BreachCheck {
		opts.Breach = auth.NewHIBPClient()
	}

	d, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(d); err != nil {
		db.Close(d)
		return nil, err
	}

	keys := keystore.New()
	svc, err := service.New(d, keys, opts)
	if err != nil {
		db.Close(d)
		return nil, err
	}

	a := &App{Config: cfg, DB: d, Keys: keys, Service: svc, Log: log}
	if cfg.Backup.Dir != "" {
		a.Backups, err = backup.NewExporter(svc, backup.Options{
			Dir:            cfg.Backup.Dir,
			Format:         backup.Format(cfg.Backup.Format),
			KeepCount:      cfg.Backup.KeepCount,
			IncludeSecrets: cfg.Backup.IncludeSecrets,
			Logger:         log,
		})
		if err != nil {
			db.Close(d)
			return nil, err
		}
	}
	return a, nil
}

// Argon2Params converts config-file units into hasher parameters.
func Argon2Params(c config.Argon2Config) auth.Argon2Params {
	p := auth.DefaultArgon2Params()
	if c.MemoryMiB > 0 {
		p.MemoryKiB = c.MemoryMiB * 1024
	}
	if c.Time > 0 {
		p.Time = c.Time
	}
	if c.Parallelism > 0 {
		p.Parallelism = c.Parallelism
	}
	return p
}

// Close forgets the key and closes the database.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	a.Keys.Clear()
	return db.Close(a.DB)
}
