package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetConfig returns the value stored under key. The bool is false when the
// key is absent.
func GetConfig(ctx context.Context, c Conn, key string) (string, bool, error) {
	q, err := c.querier()
	if err != nil {
		return "", false, err
	}

	var value string
	err = q.QueryRowContext(ctx, `SELECT value FROM vault_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select config %q: %w", key, err)
	}
	return value, true, nil
}

// GetConfigs loads several keys at once. Absent keys are missing from the map.
func GetConfigs(ctx context.Context, c Conn, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := GetConfig(ctx, c, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// PutConfig upserts key=value.
func PutConfig(ctx context.Context, c Conn, key, value string) error {
	q, err := c.querier()
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = q.ExecContext(ctx,
		`INSERT INTO vault_config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("upsert config %q: %w", key, err)
	}
	return nil
}

// PutConfigs upserts every pair through c. Pass a *Tx to make the writes
// atomic.
func PutConfigs(ctx context.Context, c Conn, values map[string]string) error {
	for k, v := range values {
		if err := PutConfig(ctx, c, k, v); err != nil {
			return err
		}
	}
	return nil
}
