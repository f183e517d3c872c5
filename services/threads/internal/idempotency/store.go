// Package idempotency deduplicates asynchronous commands by command id.
//
// A command is claimed for a short lease before it is applied and marked
// done afterwards. A redelivery that finds a live claim is retried later
// instead of being dropped, so a crash between claim and apply only delays
// the command until the lease runs out.
//
// Primary backend: Redis (env REDIS_DSN).
// Fallback: the processed_commands table in Postgres (env DATABASE_URL).
// If neither is available, an in-memory store is used (development only).
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultTTL is how long a completed command id is remembered.
	DefaultTTL = 24 * time.Hour
	// DefaultLease bounds how long a claim blocks redeliveries.
	DefaultLease = time.Minute
)

// Status is the state a Claim found the command in.
type Status int

const (
	New      Status = iota // claimed by this call, apply it
	InFlight               // claimed by someone else and not finished yet
	Done                   // already applied
)

func (s Status) String() string {
	switch s {
	case New:
		return "new"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	}
	return "unknown"
}

// Store tracks which commands have been claimed and applied.
type Store interface {
	// Claim atomically claims commandID for the lease when it is unknown or
	// its previous claim expired.
	Claim(ctx context.Context, commandID string) (Status, error)
	// Complete marks a claimed command as applied for the TTL.
	Complete(ctx context.Context, commandID string) error
	// Forget drops the claim so a redelivery of a failed command is applied.
	Forget(ctx context.Context, commandID string) error
}

type Options struct {
	RedisDSN string
	// Pool selects the Postgres backend when RedisDSN is empty.
	Pool   *pgxpool.Pool
	TTL    time.Duration
	Lease  time.Duration
	IsProd bool
}

// NewStore creates the best available idempotency store:
// Redis > Postgres > in-memory (dev fallback).
// When IsProd is true, the in-memory fallback is not allowed.
func NewStore(opts Options) (Store, error) {
	w := windows{ttl: opts.TTL, lease: opts.Lease}
	if w.ttl <= 0 {
		w.ttl = DefaultTTL
	}
	if w.lease <= 0 {
		w.lease = DefaultLease
	}
	if opts.RedisDSN != "" {
		return newRedisStore(redisClient(opts.RedisDSN), w), nil
	}
	if opts.Pool != nil {
		return newPostgresStore(opts.Pool, w), nil
	}
	if opts.IsProd {
		return nil, errors.New("production requires REDIS_DSN or DATABASE_URL for idempotency; in-memory store is not allowed")
	}
	return newMemoryStore(w), nil
}

// windows holds the two expiries every backend applies.
type windows struct {
	ttl   time.Duration
	lease time.Duration
}
