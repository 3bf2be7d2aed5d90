package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateEmail is returned when a live account already uses the email.
var ErrDuplicateEmail = errors.New("account email already exists")

// AccountRow is an accounts row. The two *Encrypted fields are opaque blobs;
// this package never decrypts them.
type AccountRow struct {
	ID                  string
	Email               string
	PasswordEncrypted   []byte
	TOTPSecretEncrypted []byte
	Note                string
	Source              string
	IsDeleted           bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const accountColumns = `id, email, password_encrypted, totp_secret_encrypted, note, source, is_deleted, created_at, updated_at`

// InsertAccount stores a new row. CreatedAt/UpdatedAt are filled in when zero.
func InsertAccount(ctx context.Context, c Conn, a *AccountRow) error {
	q, err := c.querier()
	if err != nil {
		return err
	}
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if a.Source == "" {
		a.Source = "manual"
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, nonNil(a.PasswordEncrypted), nonNil(a.TOTPSecretEncrypted),
		a.Note, a.Source, a.IsDeleted,
		a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("insert account: %w", ErrDuplicateEmail)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount returns the row with id, deleted or not.
func GetAccount(ctx context.Context, c Conn, id string) (*AccountRow, error) {
	q, err := c.querier()
	if err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}
	return a, nil
}

// ListAccounts returns live accounts ordered by email, or every account when
// includeDeleted is set.
func ListAccounts(ctx context.Context, c Conn, includeDeleted bool) ([]AccountRow, error) {
	q, err := c.querier()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + accountColumns + ` FROM accounts`
	if !includeDeleted {
		query += ` WHERE is_deleted = 0`
	}
	query += ` ORDER BY email, id`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountRow
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account rows: %w", err)
	}
	return out, nil
}

// UpdateAccountSecrets replaces both encrypted blobs of a row.
func UpdateAccountSecrets(ctx context.Context, c Conn, id string, password, totp []byte) error {
	q, err := c.querier()
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx,
		`UPDATE accounts SET password_encrypted = ?, totp_secret_encrypted = ?, updated_at = ? WHERE id = ?`,
		nonNil(password), nonNil(totp), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("update account secrets: %w", err)
	}
	return expectOne(res)
}

// UpdateAccountMetadata rewrites the plaintext columns of a live row.
func UpdateAccountMetadata(ctx context.Context, c Conn, id, email, note, source string) error {
	q, err := c.querier()
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx,
		`UPDATE accounts SET email = ?, note = ?, source = ?, updated_at = ? WHERE id = ? AND is_deleted = 0`,
		email, note, source, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("update account: %w", ErrDuplicateEmail)
		}
		return fmt.Errorf("update account: %w", err)
	}
	return expectOne(res)
}

// SoftDeleteAccount flags a live account as deleted.
func SoftDeleteAccount(ctx context.Context, c Conn, id string) error {
	q, err := c.querier()
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx,
		`UPDATE accounts SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("soft delete account: %w", err)
	}
	return expectOne(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (*AccountRow, error) {
	var (
		a                AccountRow
		created, updated string
	)
	if err := s.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordEncrypted,
		&a.TOTPSecretEncrypted,
		&a.Note,
		&a.Source,
		&a.IsDeleted,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}

	var err error
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &a, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nonNil keeps NOT NULL blob columns happy; database/sql binds a nil []byte as NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
