package postgres

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cafeauto/backbone/internal/storage"
)

// Store implements every storage interface backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.TemplateStore = (*Store)(nil)
var _ storage.CredentialStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.ScheduleStore = (*Store)(nil)
var _ storage.RunStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func toNullString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}

func fromNullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}
