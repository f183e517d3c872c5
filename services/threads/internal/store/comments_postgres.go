package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCommentStore persists comments in Postgres.
//
// InItem runs in a read-committed transaction that first takes
// pg_advisory_xact_lock(item_id), so writers of one item queue behind each
// other while different items proceed in parallel. UNIQUE(item_id, position)
// is deferred to commit because a bulk shift passes through transient
// duplicates.
type PostgresCommentStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCommentStore creates a store backed by Postgres.
func NewPostgresCommentStore(pool *pgxpool.Pool) *PostgresCommentStore {
	return &PostgresCommentStore{pool: pool}
}

const commentColumns = `id, item_id, author_id, content, depth, position, parent_id, created_at, updated_at`

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanComment(row pgx.Row) (Comment, error) {
	var c Comment
	err := row.Scan(&c.ID, &c.ItemID, &c.AuthorID, &c.Content, &c.Depth,
		&c.Position, &c.ParentID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresCommentStore) Get(ctx context.Context, id int64) (Comment, error) {
	q := `SELECT ` + commentColumns + ` FROM comments WHERE id = $1`
	c, err := scanComment(s.pool.QueryRow(ctx, q, id))
	return c, mapPgError(err)
}

func (s *PostgresCommentStore) ListByItem(ctx context.Context, itemID int64) ([]Comment, error) {
	q := `SELECT ` + commentColumns + ` FROM comments WHERE item_id = $1 ORDER BY position`
	rows, err := s.pool.Query(ctx, q, itemID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	out := []Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapPgError(rows.Err())
}

func (s *PostgresCommentStore) UpdateContent(ctx context.Context, id int64, content string) (Comment, error) {
	q := `UPDATE comments SET content = $1, updated_at = now()
	      WHERE id = $2
	      RETURNING ` + commentColumns
	c, err := scanComment(s.pool.QueryRow(ctx, q, content, id))
	return c, mapPgError(err)
}

func (s *PostgresCommentStore) InItem(ctx context.Context, itemID int64, fn func(tx ItemTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, itemID); err != nil {
		return mapPgError(err)
	}
	if err := fn(&pgItemTx{q: tx, itemID: itemID}); err != nil {
		return mapPgError(err)
	}
	return mapPgError(tx.Commit(ctx))
}

func (s *PostgresCommentStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresCommentStore) Close() error {
	s.pool.Close()
	return nil
}

type pgItemTx struct {
	q      pgQuerier
	itemID int64
}

func (tx *pgItemTx) ItemID() int64 { return tx.itemID }

func (tx *pgItemTx) Get(ctx context.Context, id int64) (Comment, error) {
	q := `SELECT ` + commentColumns + ` FROM comments WHERE id = $1 AND item_id = $2`
	return scanComment(tx.q.QueryRow(ctx, q, id, tx.itemID))
}

func (tx *pgItemTx) MaxPosition(ctx context.Context) (int64, bool, error) {
	var top *int64
	err := tx.q.QueryRow(ctx, `SELECT MAX(position) FROM comments WHERE item_id = $1`, tx.itemID).Scan(&top)
	if err != nil || top == nil {
		return 0, false, err
	}
	return *top, true, nil
}

func (tx *pgItemTx) ShiftPositions(ctx context.Context, from, delta int64) (int64, error) {
	if err := checkShift(delta); err != nil {
		return 0, err
	}
	tag, err := tx.q.Exec(ctx,
		`UPDATE comments SET position = position + $3 WHERE item_id = $1 AND position >= $2`,
		tx.itemID, from, delta)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (tx *pgItemTx) Insert(ctx context.Context, c Comment) (Comment, error) {
	var taken bool
	err := tx.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM comments WHERE item_id = $1 AND position = $2)`,
		tx.itemID, c.Position).Scan(&taken)
	if err != nil {
		return Comment{}, err
	}
	if taken {
		return Comment{}, fmt.Errorf("item %d position %d: %w", tx.itemID, c.Position, ErrInvariantViolation)
	}

	q := `INSERT INTO comments (item_id, author_id, content, depth, position, parent_id)
	      VALUES ($1, $2, $3, $4, $5, $6)
	      RETURNING ` + commentColumns
	return scanComment(tx.q.QueryRow(ctx, q, tx.itemID, c.AuthorID, c.Content, c.Depth, c.Position, c.ParentID))
}

func (tx *pgItemTx) DeleteSubtree(ctx context.Context, rootID int64) ([]int64, error) {
	const q = `WITH RECURSIVE subtree AS (
	               SELECT id, 0 AS lvl FROM comments WHERE id = $1 AND item_id = $2
	               UNION ALL
	               SELECT c.id, s.lvl + 1 FROM comments c
	               JOIN subtree s ON c.parent_id = s.id
	               WHERE c.item_id = $2
	           )
	           SELECT id FROM subtree ORDER BY lvl, id`
	rows, err := tx.q.Query(ctx, q, rootID, tx.itemID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	tag, err := tx.q.Exec(ctx, `DELETE FROM comments WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return nil, fmt.Errorf("subtree %d: deleted %d of %d rows: %w", rootID, tag.RowsAffected(), len(ids), ErrConflict)
	}
	return ids, nil
}

// mapPgError translates Postgres error codes into store sentinels. Errors that
// already wrap a sentinel pass through untouched.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrInvariantViolation)
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%s: %w", pgErr.Message, ErrConflict)
	case "55P03": // lock_not_available
		return fmt.Errorf("%s: %w", pgErr.Message, ErrConflict)
	}
	return err
}
