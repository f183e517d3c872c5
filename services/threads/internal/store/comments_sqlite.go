package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteCommentStore persists comments in an embedded SQLite database.
// It is meant for single node deployments and local development. The pool is
// limited to one connection, which makes every InItem call serializable.
type SQLiteCommentStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. Use ":memory:" for a
// throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteCommentStore, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteCommentStore{db: db}, nil
}

const sqliteColumns = `id, item_id, author_id, content, depth, position, parent_id, created_at, updated_at`

type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteComment(row rowScanner) (Comment, error) {
	var (
		c        Comment
		parentID sql.NullInt64
		created  int64
		updated  sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.ItemID, &c.AuthorID, &c.Content, &c.Depth,
		&c.Position, &parentID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, err
	}
	if parentID.Valid {
		pid := parentID.Int64
		c.ParentID = &pid
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	if updated.Valid {
		t := time.Unix(0, updated.Int64).UTC()
		c.UpdatedAt = &t
	}
	return c, nil
}

func (s *SQLiteCommentStore) Get(ctx context.Context, id int64) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM comments WHERE id = ?`, id)
	c, err := scanSQLiteComment(row)
	return c, mapSQLiteError(err)
}

func (s *SQLiteCommentStore) ListByItem(ctx context.Context, itemID int64) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM comments WHERE item_id = ? ORDER BY position`, itemID)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	defer rows.Close()

	out := []Comment{}
	for rows.Next() {
		c, err := scanSQLiteComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapSQLiteError(rows.Err())
}

func (s *SQLiteCommentStore) UpdateContent(ctx context.Context, id int64, content string) (Comment, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE comments SET content = ?, updated_at = ? WHERE id = ?`,
		content, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return Comment{}, mapSQLiteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Comment{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *SQLiteCommentStore) InItem(ctx context.Context, itemID int64, fn func(tx ItemTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteItemTx{q: tx, itemID: itemID}); err != nil {
		return mapSQLiteError(err)
	}
	return mapSQLiteError(tx.Commit())
}

func (s *SQLiteCommentStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteCommentStore) Close() error {
	return s.db.Close()
}

type sqliteItemTx struct {
	q      sqliteQuerier
	itemID int64
}

func (tx *sqliteItemTx) ItemID() int64 { return tx.itemID }

func (tx *sqliteItemTx) Get(ctx context.Context, id int64) (Comment, error) {
	row := tx.q.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM comments WHERE id = ? AND item_id = ?`, id, tx.itemID)
	return scanSQLiteComment(row)
}

func (tx *sqliteItemTx) MaxPosition(ctx context.Context) (int64, bool, error) {
	var top sql.NullInt64
	err := tx.q.QueryRowContext(ctx,
		`SELECT MAX(position) FROM comments WHERE item_id = ?`, tx.itemID).Scan(&top)
	if err != nil || !top.Valid {
		return 0, false, err
	}
	return top.Int64, true, nil
}

// ShiftPositions moves the range out of the way as negative values first and
// then flips it back. SQLite checks UNIQUE per row, so a plain
// "position = position + delta" would collide with the next row halfway
// through the update.
func (tx *sqliteItemTx) ShiftPositions(ctx context.Context, from, delta int64) (int64, error) {
	if err := checkShift(delta); err != nil {
		return 0, err
	}
	res, err := tx.q.ExecContext(ctx,
		`UPDATE comments SET position = -(position + ?) WHERE item_id = ? AND position >= ?`,
		delta, tx.itemID, from)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.q.ExecContext(ctx,
		`UPDATE comments SET position = -position WHERE item_id = ? AND position < 0`,
		tx.itemID); err != nil {
		return 0, err
	}
	return n, nil
}

func (tx *sqliteItemTx) Insert(ctx context.Context, c Comment) (Comment, error) {
	var taken bool
	err := tx.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM comments WHERE item_id = ? AND position = ?)`,
		tx.itemID, c.Position).Scan(&taken)
	if err != nil {
		return Comment{}, err
	}
	if taken {
		return Comment{}, fmt.Errorf("item %d position %d: %w", tx.itemID, c.Position, ErrInvariantViolation)
	}

	var parent any
	if c.ParentID != nil {
		parent = *c.ParentID
	}
	res, err := tx.q.ExecContext(ctx,
		`INSERT INTO comments (item_id, author_id, content, depth, position, parent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.itemID, c.AuthorID, c.Content, c.Depth, c.Position, parent, time.Now().UTC().UnixNano())
	if err != nil {
		return Comment{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Comment{}, err
	}
	return tx.Get(ctx, id)
}

func (tx *sqliteItemTx) DeleteSubtree(ctx context.Context, rootID int64) ([]int64, error) {
	rows, err := tx.q.QueryContext(ctx, `
		WITH RECURSIVE subtree(id, lvl) AS (
			SELECT id, 0 FROM comments WHERE id = ? AND item_id = ?
			UNION ALL
			SELECT c.id, s.lvl + 1 FROM comments c
			JOIN subtree s ON c.parent_id = s.id
			WHERE c.item_id = ?
		)
		SELECT id FROM subtree ORDER BY lvl, id`, rootID, tx.itemID, tx.itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	// Deleting the root cascades through parent_id; the explicit list keeps the
	// delete correct even if foreign keys were switched off on the connection.
	for _, id := range ids {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch code := se.Code(); {
	case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return fmt.Errorf("%s: %w", se.Error(), ErrInvariantViolation)
	case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%s: %w", se.Error(), ErrConflict)
	}
	return err
}
