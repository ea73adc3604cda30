package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
)

// SQLStore persists entries in the idempotency_records table.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s SQLStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var body string
	err := s.DB.QueryRowContext(ctx,
		`SELECT response_json FROM idempotency_records WHERE key=? AND expires_at > ?`,
		key, s.now().UnixMilli()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "select idempotency record")
	}
	return []byte(body), true, nil
}

func (s SQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO idempotency_records(key,response_json,created_at,expires_at) VALUES (?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET response_json=excluded.response_json, created_at=excluded.created_at, expires_at=excluded.expires_at`,
		key, string(value), now.UTC().Format(time.RFC3339), now.Add(ttl).UnixMilli())
	if err != nil {
		return eris.Wrap(err, "upsert idempotency record")
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (s SQLStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, eris.Wrap(err, "purge idempotency records")
	}
	return res.RowsAffected()
}
