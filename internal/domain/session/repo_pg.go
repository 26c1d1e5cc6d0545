package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct {
	db queryable
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{db: pool}
}

const sessionCols = `id, subject, upstream_token, user_json, created_at, refreshed_at, expires_at`

func (r *repoPG) scan(row pgx.Row) (*Session, error) {
	var s Session
	var user []byte
	err := row.Scan(&s.ID, &s.Subject, &s.UpstreamToken, &user, &s.CreatedAt, &s.RefreshedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(user) > 0 {
		s.User = user
	}
	return &s, nil
}

func (r *repoPG) Save(ctx context.Context, s *Session) error {
	var user []byte
	if len(s.User) > 0 {
		user = s.User
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (`+sessionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			upstream_token = EXCLUDED.upstream_token,
			user_json = EXCLUDED.user_json,
			refreshed_at = EXCLUDED.refreshed_at,
			expires_at = EXCLUDED.expires_at`,
		s.ID, s.Subject, s.UpstreamToken, user, s.CreatedAt, s.RefreshedAt, s.ExpiresAt)
	return err
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.scan(r.db.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (r *repoPG) ListActive(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sessionCols+` FROM sessions WHERE expires_at > $1 ORDER BY created_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *repoPG) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
