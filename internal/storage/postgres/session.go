package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/cafeauto/backbone/internal/domain/session"
)

func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, credential_id, profile_handle, status, last_verified_at, nickname, error_message, error_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.CredentialID, sess.ProfileHandle, string(sess.Status), toNullTime(sess.LastVerifiedAt), toNullString(sess.Nickname), toNullString(sess.ErrorMessage), toNullString(sess.ErrorCode), sess.CreatedAt)
	if err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, credential_id, profile_handle, status, last_verified_at, nickname, error_message, error_code, created_at
		FROM sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

func (s *Store) GetSessionByCredential(ctx context.Context, credentialID string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, credential_id, profile_handle, status, last_verified_at, nickname, error_message, error_code, created_at
		FROM sessions WHERE credential_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, credentialID)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, last_verified_at = $3, nickname = $4, error_message = $5, error_code = $6
		WHERE id = $1
	`, sess.ID, string(sess.Status), toNullTime(sess.LastVerifiedAt), toNullString(sess.Nickname), toNullString(sess.ErrorMessage), toNullString(sess.ErrorCode))
	if err != nil {
		return session.Session{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return session.Session{}, sql.ErrNoRows
	}
	return sess, nil
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		sess           session.Session
		status         string
		lastVerifiedAt sql.NullTime
		nickname       sql.NullString
		errorMessage   sql.NullString
		errorCode      sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.CredentialID, &sess.ProfileHandle, &status, &lastVerifiedAt, &nickname, &errorMessage, &errorCode, &sess.CreatedAt); err != nil {
		return session.Session{}, err
	}
	sess.Status = session.Status(status)
	sess.LastVerifiedAt = fromNullTime(lastVerifiedAt)
	sess.Nickname = fromNullString(nickname)
	sess.ErrorMessage = fromNullString(errorMessage)
	sess.ErrorCode = fromNullString(errorCode)
	return sess, nil
}
