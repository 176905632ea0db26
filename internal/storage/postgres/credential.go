package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/cafeauto/backbone/internal/domain/credential"
)

func (s *Store) CreateCredential(ctx context.Context, c credential.Credential) (credential.Credential, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, owner_id, login_name, secret_cipher, display_name, last_login_at, last_login_outcome, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.OwnerID, c.LoginName, c.SecretCipher, c.DisplayName, toNullTime(c.LastLoginAt), toNullString(c.LastLoginOutcome), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return credential.Credential{}, err
	}
	return c, nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (credential.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, login_name, secret_cipher, display_name, last_login_at, last_login_outcome, created_at, updated_at
		FROM credentials WHERE id = $1
	`, id)
	return scanCredential(row)
}

func (s *Store) UpdateCredential(ctx context.Context, c credential.Credential) (credential.Credential, error) {
	c.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET login_name = $2, secret_cipher = $3, display_name = $4, last_login_at = $5, last_login_outcome = $6, updated_at = $7
		WHERE id = $1
	`, c.ID, c.LoginName, c.SecretCipher, c.DisplayName, toNullTime(c.LastLoginAt), toNullString(c.LastLoginOutcome), c.UpdatedAt)
	if err != nil {
		return credential.Credential{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return credential.Credential{}, sql.ErrNoRows
	}
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	return err
}

func (s *Store) ListCredentials(ctx context.Context, ownerID string) ([]credential.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, login_name, secret_cipher, display_name, last_login_at, last_login_outcome, created_at, updated_at
		FROM credentials
		WHERE $1 = '' OR owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []credential.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (credential.Credential, error) {
	var (
		c                credential.Credential
		lastLoginAt      sql.NullTime
		lastLoginOutcome sql.NullString
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.LoginName, &c.SecretCipher, &c.DisplayName, &lastLoginAt, &lastLoginOutcome, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return credential.Credential{}, err
	}
	c.LastLoginAt = fromNullTime(lastLoginAt)
	c.LastLoginOutcome = fromNullString(lastLoginOutcome)
	return c, nil
}
