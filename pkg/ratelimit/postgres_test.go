package ratelimit

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/StricklySoft/accessgate/internal/testutil"
	"github.com/StricklySoft/accessgate/pkg/clients/postgres"
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

func newMockPostgresLimiter(t *testing.T, logger *zap.Logger) (*PostgresLimiter, pgxmock.PgxPoolIface) {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, pool.ExpectationsWereMet())
	})
	client := postgres.NewFromPool(pool, &postgres.Config{Database: "accessgate"})
	return NewPostgresLimiter(client, "", 5*time.Millisecond, logger), pool
}

var upsertPattern = regexp.QuoteMeta(`INSERT INTO "rate_limit_windows" AS w`)

func TestPostgresLimiter_Allow(t *testing.T) {
	t.Parallel()
	p, pool := newMockPostgresLimiter(t, nil)

	pool.ExpectQuery(upsertPattern).
		WithArgs("POST /v1/sessions:10.0.0.7", int64(60000)).
		WillReturnRows(pgxmock.NewRows([]string{"count", "ttl_ms"}).AddRow(int64(1), int64(60000)))

	d, err := p.Allow(context.Background(), "POST /v1/sessions:10.0.0.7", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
	assert.Equal(t, 5, d.Limit)
}

func TestPostgresLimiter_Denied(t *testing.T) {
	t.Parallel()
	p, pool := newMockPostgresLimiter(t, nil)

	pool.ExpectQuery(upsertPattern).
		WithArgs("k", int64(1000)).
		WillReturnRows(pgxmock.NewRows([]string{"count", "ttl_ms"}).AddRow(int64(4), int64(350)))

	d, err := p.Allow(context.Background(), "k", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 350*time.Millisecond, d.RetryAfter)
	assert.Equal(t, 1, d.RetryAfterSeconds())
}

func TestPostgresLimiter_Allow_DatabaseError(t *testing.T) {
	t.Parallel()
	p, pool := newMockPostgresLimiter(t, nil)

	pool.ExpectQuery(upsertPattern).WillReturnError(errors.New("too many connections"))

	_, err := p.Allow(context.Background(), "k", 3, time.Second)
	testutil.AssertErrorCode(t, err, sserr.CodeUnavailableDependency)
}

func TestPostgresLimiter_EnsureSchema(t *testing.T) {
	t.Parallel()
	p, pool := newMockPostgresLimiter(t, nil)

	pool.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "rate_limit_windows"`)).
		WillReturnResult(pgconn.NewCommandTag("CREATE TABLE"))
	pool.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "rate_limit_windows_expires_at_idx" ON "rate_limit_windows"`)).
		WillReturnResult(pgconn.NewCommandTag("CREATE INDEX"))

	require.NoError(t, p.EnsureSchema(context.Background()))
}

func TestPostgresLimiter_EnsureSchema_Error(t *testing.T) {
	t.Parallel()
	p, pool := newMockPostgresLimiter(t, nil)

	pool.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("permission denied"))

	err := p.EnsureSchema(context.Background())
	testutil.AssertErrorCode(t, err, sserr.CodeInternalDatabase)
}

func TestPostgresLimiter_TableNameIsQuoted(t *testing.T) {
	t.Parallel()
	p := NewPostgresLimiter(nil, `limits"; DROP TABLE x; --`, 0, nil)
	assert.Contains(t, p.upsertSQL, `INSERT INTO "limits""; DROP TABLE x; --" AS w`)
}

func TestPostgresLimiter_Reclaim(t *testing.T) {
	t.Parallel()
	p, pool := newMockPostgresLimiter(t, nil)

	pool.ExpectExec(regexp.QuoteMeta(`DELETE FROM "rate_limit_windows" WHERE expires_at <= clock_timestamp()`)).
		WillReturnResult(pgconn.NewCommandTag("DELETE 12"))

	n, err := p.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestPostgresLimiter_RunLogsFailures(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	p, pool := newMockPostgresLimiter(t, zap.New(core))

	pool.ExpectExec(`DELETE FROM`).WillReturnError(errors.New("connection reset"))
	pool.ExpectExec(`DELETE FROM`).WillReturnResult(pgconn.NewCommandTag("DELETE 2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("reclaimed expired rate limit windows").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, logs.FilterMessage("failed to reclaim rate limit windows").Len(), 1)
}

func TestPostgresLimiter_Health(t *testing.T) {
	t.Parallel()
	p, pool := newMockPostgresLimiter(t, nil)
	pool.ExpectPing()
	assert.NoError(t, p.Health(context.Background()))
}
