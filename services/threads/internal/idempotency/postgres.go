package idempotency

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	windows
	pool *pgxpool.Pool
}

func newPostgresStore(pool *pgxpool.Pool, w windows) *postgresStore {
	return &postgresStore{windows: w, pool: pool}
}

// Claim inserts a pending row, or takes over a row whose lease or TTL has
// run out. Table `processed_commands` is created by the comment store
// migrations.
func (s *postgresStore) Claim(ctx context.Context, commandID string) (Status, error) {
	const claim = `INSERT INTO processed_commands (command_id, created_at, done)
	               VALUES ($1, now(), false)
	               ON CONFLICT (command_id) DO UPDATE SET created_at = now(), done = false
	               WHERE processed_commands.created_at < now() - make_interval(secs =>
	                   CASE WHEN processed_commands.done THEN $2::float8 ELSE $3::float8 END)`

	tag, err := s.pool.Exec(ctx, claim, commandID, s.ttl.Seconds(), s.lease.Seconds())
	if err != nil {
		return InFlight, err
	}
	if tag.RowsAffected() == 1 {
		return New, nil
	}

	var done bool
	err = s.pool.QueryRow(ctx, `SELECT done FROM processed_commands WHERE command_id = $1`, commandID).Scan(&done)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return InFlight, nil
	case err != nil:
		return InFlight, err
	case done:
		return Done, nil
	}
	return InFlight, nil
}

func (s *postgresStore) Complete(ctx context.Context, commandID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE processed_commands SET done = true, created_at = now() WHERE command_id = $1`, commandID)
	return err
}

func (s *postgresStore) Forget(ctx context.Context, commandID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM processed_commands WHERE command_id = $1`, commandID)
	return err
}
