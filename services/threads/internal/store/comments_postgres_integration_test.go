//go:build integration

package store

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func dockerAvailable() bool {
	return exec.Command("docker", "info").Run() == nil
}

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// postgresDSN starts one container per test binary.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if !dockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}
	pgOnce.Do(func() {
		ctx := context.Background()
		c, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("threads_integration"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			pgErr = err
			return
		}
		pgDSN, pgErr = c.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, pgErr)
	return pgDSN
}

func openPostgres(t *testing.T) CommentStore {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, postgresDSN(t))
	require.NoError(t, err)
	s := NewPostgresCommentStore(pool)
	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE comments RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresCommentStore(t *testing.T) {
	runConformance(t, openPostgres)
}

func TestPostgresMigrate_Concurrent(t *testing.T) {
	ctx := context.Background()
	dsn := postgresDSN(t)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool, err := pgxpool.New(ctx, dsn)
			if !assert.NoError(t, err) {
				return
			}
			defer pool.Close()
			_, err = NewPostgresCommentStore(pool).Migrate(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

// Replies racing on the same item must serialize on the advisory lock.
func TestPostgresCommentStore_ConcurrentReplies(t *testing.T) {
	s := openPostgres(t)
	root := insertRoot(t, s, 1, "root")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := addReply(s, 1, root.ID, "r")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := positionsOf(t, s, 1)
	assert.Len(t, got, 21)
	seen := make(map[int64]bool)
	for _, p := range got {
		assert.False(t, seen[p], "duplicate position %d", p)
		seen[p] = true
	}
}
