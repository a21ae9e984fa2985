package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"stridemap/internal/session"
	"stridemap/internal/strava"
)

// sessionRow is the id of the single session token row.
const sessionRow = 1

// Store is a SQLite backed session.Store.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS session_tokens (
	id INTEGER PRIMARY KEY,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	expires_in INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	athlete_id INTEGER NOT NULL DEFAULT 0,
	athlete_firstname TEXT NOT NULL DEFAULT '',
	athlete_lastname TEXT NOT NULL DEFAULT ''
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Save(ctx context.Context, token strava.Token) error {
	if token.UpdatedAt.IsZero() {
		token.UpdatedAt = time.Now()
	}
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = token.UpdatedAt
	}
	expiresIn := int64(token.ExpiresAt.Sub(token.UpdatedAt) / time.Second)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_tokens (id, access_token, refresh_token, expires_at, expires_in, updated_at,
	athlete_id, athlete_firstname, athlete_lastname)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	expires_at = excluded.expires_at,
	expires_in = excluded.expires_in,
	updated_at = excluded.updated_at,
	athlete_id = excluded.athlete_id,
	athlete_firstname = excluded.athlete_firstname,
	athlete_lastname = excluded.athlete_lastname
`, sessionRow, token.AccessToken, token.RefreshToken, token.ExpiresAt.Unix(), expiresIn, token.UpdatedAt.Unix(),
		token.Athlete.ID, token.Athlete.FirstName, token.Athlete.LastName)
	return err
}

func (s *Store) Load(ctx context.Context) (strava.Token, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT access_token, refresh_token, expires_at, expires_in, updated_at,
	athlete_id, athlete_firstname, athlete_lastname
FROM session_tokens
WHERE id = ?
`, sessionRow)
	var token strava.Token
	var expiresAt, expiresIn, updatedAt int64
	if err := row.Scan(&token.AccessToken, &token.RefreshToken, &expiresAt, &expiresIn, &updatedAt,
		&token.Athlete.ID, &token.Athlete.FirstName, &token.Athlete.LastName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return strava.Token{}, session.ErrNotFound
		}
		return strava.Token{}, err
	}
	token.ExpiresAt = time.Unix(expiresAt, 0)
	token.UpdatedAt = time.Unix(updatedAt, 0)
	token.ExpiresIn = time.Duration(expiresIn) * time.Second
	return token, nil
}

func (s *Store) Delete(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM session_tokens
WHERE id = ?
`, sessionRow)
	return err
}
