package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

// DefaultTable holds the windows of a [PostgresLimiter].
const DefaultTable = "rate_limit_windows"

// SQLStore is the database surface used by [PostgresLimiter].
// *postgres.Client from pkg/clients/postgres satisfies it.
type SQLStore interface {
	QueryRow(ctx context.Context, sql string, args []any, dest ...any) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Health(ctx context.Context) error
}

// PostgresLimiter counts windows in a PostgreSQL table with one atomic
// upsert per request. Expired rows are restarted in place by Allow and
// deleted by Reclaim.
type PostgresLimiter struct {
	db              SQLStore
	name            string
	table           string
	reclaimInterval time.Duration
	logger          *zap.Logger
	now             func() time.Time

	upsertSQL  string
	reclaimSQL string
}

var _ Store = (*PostgresLimiter)(nil)

// NewPostgresLimiter returns a PostgresLimiter over table (default
// [DefaultTable]). Call [PostgresLimiter.EnsureSchema] before first use
// unless the table is managed elsewhere.
func NewPostgresLimiter(db SQLStore, table string, reclaimInterval time.Duration, logger *zap.Logger) *PostgresLimiter {
	if table == "" {
		table = DefaultTable
	}
	if reclaimInterval <= 0 {
		reclaimInterval = DefaultReclaimInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ident := pgx.Identifier{table}.Sanitize()
	return &PostgresLimiter{
		db:              db,
		name:            table,
		table:           ident,
		reclaimInterval: reclaimInterval,
		logger:          logger,
		now:             time.Now,
		upsertSQL: fmt.Sprintf(`INSERT INTO %s AS w (key, count, expires_at)
VALUES ($1, 1, clock_timestamp() + ($2::double precision) * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE SET
	count = CASE WHEN w.expires_at <= clock_timestamp() THEN 1 ELSE w.count + 1 END,
	expires_at = CASE WHEN w.expires_at <= clock_timestamp() THEN EXCLUDED.expires_at ELSE w.expires_at END
RETURNING w.count, GREATEST(0, EXTRACT(EPOCH FROM (w.expires_at - clock_timestamp())) * 1000)::bigint`, ident),
		reclaimSQL: fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= clock_timestamp()`, ident),
	}
}

// EnsureSchema creates the windows table and its expiry index if missing.
func (p *PostgresLimiter) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	count      BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)`,
			pgx.Identifier{p.name + "_expires_at_idx"}.Sanitize(), p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return sserr.Wrap(err, sserr.CodeInternalDatabase, "ratelimit: failed to create schema")
		}
	}
	return nil
}

// Allow implements [Limiter].
func (p *PostgresLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if err := validateArgs(key, limit, window); err != nil {
		return Decision{}, err
	}

	var count, ttlMS int64
	if err := p.db.QueryRow(ctx, p.upsertSQL, []any{key, window.Milliseconds()}, &count, &ttlMS); err != nil {
		return Decision{}, sserr.Wrap(err, sserr.CodeUnavailableDependency, "ratelimit: postgres upsert failed")
	}
	return decide(count, limit, time.Duration(ttlMS)*time.Millisecond, p.now()), nil
}

// Reclaim deletes expired windows and returns how many were removed.
func (p *PostgresLimiter) Reclaim(ctx context.Context) (int64, error) {
	tag, err := p.db.Exec(ctx, p.reclaimSQL)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Run reclaims expired windows every reclaim interval until ctx is done.
// Failures are logged and retried on the next tick.
func (p *PostgresLimiter) Run(ctx context.Context) error {
	return runTicker(ctx, p.reclaimInterval, func(ctx context.Context) {
		n, err := p.Reclaim(ctx)
		if err != nil {
			p.logger.Warn("failed to reclaim rate limit windows", zap.Error(err))
			return
		}
		if n > 0 {
			p.logger.Debug("reclaimed expired rate limit windows", zap.Int64("count", n))
		}
	})
}

// Health checks the database connection.
func (p *PostgresLimiter) Health(ctx context.Context) error {
	return p.db.Health(ctx)
}
