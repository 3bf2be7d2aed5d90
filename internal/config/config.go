// Package config loads keyvault settings: defaults, then an optional YAML
// file, then VAULT_* environment variables. Command-line flags are applied by
// the binaries on top of the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	Backup   BackupConfig   `yaml:"backup"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SecurityConfig covers tokens, password policy, login throttling and KDF cost.
type SecurityConfig struct {
	TokenTTL         time.Duration `yaml:"token_ttl"`
	TokenSecret      string        `yaml:"token_secret"`
	TokenIssuer      string        `yaml:"token_issuer"`
	MinPasswordLen   int           `yaml:"min_password_length"`
	MinStrengthScore int           `yaml:"min_strength_score"`
	BreachCheck      bool          `yaml:"breach_check"`
	LoginPerMinute   float64       `yaml:"login_per_minute"`
	LoginBurst       int           `yaml:"login_burst"`
	Argon2           Argon2Config  `yaml:"argon2"`
	MaxKDFJobs       int           `yaml:"max_kdf_jobs"`
}

// Argon2Config mirrors auth.Argon2Params in config-file units.
type Argon2Config struct {
	MemoryMiB   uint32 `yaml:"memory_mib"`
	Time        uint32 `yaml:"time"`
	Parallelism uint8  `yaml:"parallelism"`
}

// BackupConfig drives the scheduled export job.
type BackupConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Dir            string        `yaml:"dir"`
	Interval       time.Duration `yaml:"interval"`
	KeepCount      int           `yaml:"keep_count"`
	Format         string        `yaml:"format"`
	IncludeSecrets bool          `yaml:"include_secrets"`
}

// LogConfig selects log verbosity and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8000",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "data/vault.db",
		},
		Security: SecurityConfig{
			TokenTTL:       30 * time.Minute,
			TokenIssuer:    "keyvault",
			MinPasswordLen: 8,
			LoginPerMinute: 10,
			LoginBurst:     5,
			Argon2: Argon2Config{
				MemoryMiB:   64,
				Time:        3,
				Parallelism: 4,
			},
			MaxKDFJobs: 2,
		},
		Backup: BackupConfig{
			Dir:       "data/backups",
			Interval:  24 * time.Hour,
			KeepCount: 7,
			Format:    "json",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load starts from Default, overlays path when it exists, then the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	str("VAULT_ADDR", &c.Server.Addr)
	str("VAULT_DB_PATH", &c.Database.Path)
	str("VAULT_TOKEN_SECRET", &c.Security.TokenSecret)
	dur("VAULT_TOKEN_TTL", &c.Security.TokenTTL)
	boolean("VAULT_BREACH_CHECK", &c.Security.BreachCheck)
	integer("VAULT_MAX_KDF_JOBS", &c.Security.MaxKDFJobs)
	boolean("VAULT_BACKUP_ENABLED", &c.Backup.Enabled)
	str("VAULT_BACKUP_DIR", &c.Backup.Dir)
	str("VAULT_LOG_LEVEL", &c.Log.Level)
	boolean("VAULT_LOG_PRETTY", &c.Log.Pretty)
	if v, ok := lookup("VAULT_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(errs...))
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Security.TokenTTL <= 0 {
		errs = append(errs, errors.New("security.token_ttl must be positive"))
	}
	if s := c.Security.TokenSecret; s != "" && len(s) < 32 {
		errs = append(errs, errors.New("security.token_secret must be at least 32 bytes"))
	}
	if c.Security.MinPasswordLen < 8 {
		errs = append(errs, errors.New("security.min_password_length must be at least 8"))
	}
	if c.Security.MinStrengthScore < 0 || c.Security.MinStrengthScore > 4 {
		errs = append(errs, errors.New("security.min_strength_score must be between 0 and 4"))
	}
	if c.Security.LoginPerMinute <= 0 || c.Security.LoginBurst <= 0 {
		errs = append(errs, errors.New("security.login_per_minute and login_burst must be positive"))
	}
	if c.Security.Argon2.MemoryMiB < 8 {
		errs = append(errs, errors.New("security.argon2.memory_mib must be at least 8"))
	}
	if c.Security.Argon2.Time < 1 || c.Security.Argon2.Parallelism < 1 {
		errs = append(errs, errors.New("security.argon2.time and parallelism must be at least 1"))
	}
	if c.Backup.Enabled {
		if c.Backup.Dir == "" {
			errs = append(errs, errors.New("backup.dir is required when backups are enabled"))
		}
		if c.Backup.Interval < time.Minute {
			errs = append(errs, errors.New("backup.interval must be at least 1m"))
		}
	}
	switch strings.ToLower(c.Backup.Format) {
	case "json", "csv":
	default:
		errs = append(errs, fmt.Errorf("backup.format %q: want json or csv", c.Backup.Format))
	}
	if c.Backup.KeepCount < 1 {
		errs = append(errs, errors.New("backup.keep_count must be at least 1"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
