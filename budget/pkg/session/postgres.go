package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// PostgresStore keeps sessions in the auth_sessions table so they survive
// restarts and are shared between API replicas.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, clock clockwork.Clock) *PostgresStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresStore{pool: pool, clock: clock}
}

func (p *PostgresStore) Create(ctx context.Context, tokenHash string, s *Session) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_sessions (id, token_hash, username, job_title, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, tokenHash, s.Username, s.JobTitle, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, tokenHash string) (*Session, error) {
	var s Session
	err := p.pool.QueryRow(ctx, `
		SELECT id, username, job_title, created_at, expires_at
		FROM auth_sessions
		WHERE token_hash = $1 AND expires_at > $2
	`, tokenHash, p.clock.Now()).Scan(&s.ID, &s.Username, &s.JobTitle, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.Authenticated = true
	return &s, nil
}

func (p *PostgresStore) Delete(ctx context.Context, tokenHash string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes expired sessions and returns how many were deleted.
func (p *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE expires_at <= $1`, p.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
