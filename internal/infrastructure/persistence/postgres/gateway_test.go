package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/pkg/logger"
)

type fakePool struct {
	closed bool
}

func (f *fakePool) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakePool) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakePool) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return errRow{err: pgx.ErrNoRows}
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not supported")
}

func (f *fakePool) Ping(context.Context) error { return nil }
func (f *fakePool) Close()                     { f.closed = true }

const testPassword = "s3cret-pass"

func testConfig() Config {
	return Config{
		Host:              "db.test",
		Port:              5432,
		Database:          "xp",
		User:              "app",
		Password:          testPassword,
		SSLMode:           "disable",
		ConnectAttempts:   3,
		ConnectRetryDelay: 0,
	}
}

// newTestGateway returns a gateway whose connect step is scripted by results.
// A nil entry succeeds. Past the end of results every attempt repeats the last one.
func newTestGateway(t *testing.T, cfg Config, results ...error) (*Gateway, *int, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	gw := NewGateway(cfg, logger.NewWithCore(core))

	calls := 0
	gw.connect = func(ctx context.Context, _ *pgxpool.Config) (pool, error) {
		i := calls
		calls++
		if i >= len(results) {
			i = len(results) - 1
		}
		if results[i] != nil {
			return nil, results[i]
		}
		return &fakePool{}, nil
	}
	return gw, &calls, logs
}

func TestGateway_RetriesTransientErrorsThenCaches(t *testing.T) {
	refused := errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")
	gw, calls, logs := newTestGateway(t, testConfig(), refused, refused, nil)

	require.NoError(t, gw.Connect(context.Background()))
	assert.Equal(t, 3, *calls)

	n, err := gw.Exec(context.Background(), "UPDATE users SET is_active = $1 WHERE id = $2", true, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, gw.Connect(context.Background()))
	assert.Equal(t, 3, *calls, "a connected pool is reused")

	attempts := logs.FilterMessage("connecting to database").All()
	require.Len(t, attempts, 3)
	for i, entry := range attempts {
		ctx := entry.ContextMap()
		assert.EqualValues(t, i+1, ctx["attempt"])
		assert.Equal(t, "db.test", ctx["host"])
		assert.Equal(t, "xp", ctx["database"])
		assert.Equal(t, "app", ctx["user"])
	}
	assertNoSecret(t, logs)
}

func TestGateway_FatalErrorStopsImmediately(t *testing.T) {
	for _, code := range []string{"28000", "28P01", "3D000", "42501"} {
		t.Run(code, func(t *testing.T) {
			cause := &pgconn.PgError{Code: code, Message: "rejected"}
			gw, calls, logs := newTestGateway(t, testConfig(), fmt.Errorf("connect: %w", cause))

			err := gw.Connect(context.Background())
			assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
			assert.Equal(t, 1, *calls)
			assert.Equal(t, "The service is temporarily unavailable. Please try again later.",
				shared.UserMessage(err, ""))
			assert.NotContains(t, err.Error(), "rejected")
			assertNoSecret(t, logs)
		})
	}
}

func TestGateway_ExhaustionIsNotCached(t *testing.T) {
	timeout := errors.New("i/o timeout")
	gw, calls, _ := newTestGateway(t, testConfig(), timeout)

	err := gw.Connect(context.Background())
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.Equal(t, 3, *calls)

	var id int64
	err = gw.QueryRow(context.Background(), "SELECT id FROM users WHERE id = $1", 1).Scan(&id)
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.Equal(t, 6, *calls)
}

func TestGateway_InvalidDSNIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.SSLMode = "bogus"
	gw, calls, logs := newTestGateway(t, cfg, nil)

	err := gw.Connect(context.Background())
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.Equal(t, 0, *calls)
	assertNoSecret(t, logs)
}

func TestGateway_ClosedGatewayIsUnavailable(t *testing.T) {
	gw, _, _ := newTestGateway(t, testConfig(), nil)
	require.NoError(t, gw.Connect(context.Background()))

	fp := gw.pool.(*fakePool)
	gw.Close()
	assert.True(t, fp.closed)

	_, err := gw.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
}

func TestGateway_InsertReturningIDNoRows(t *testing.T) {
	gw, _, _ := newTestGateway(t, testConfig(), nil)

	_, err := gw.InsertReturningID(context.Background(),
		"INSERT INTO lesson_progress (user_id, lesson_id, status) VALUES ($1, $2, 'in_progress') ON CONFLICT DO NOTHING RETURNING id", 1, 2)
	assert.True(t, IsNoRows(err))
}

func TestConfig_DSNEscapesCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.User = "app user"
	cfg.Password = `pa ss'wo"rd=@/`
	cfg.ConnectTimeout = 5 * time.Second

	poolCfg, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, "db.test", poolCfg.ConnConfig.Host)
	assert.EqualValues(t, 5432, poolCfg.ConnConfig.Port)
	assert.Equal(t, "xp", poolCfg.ConnConfig.Database)
	assert.Equal(t, "app user", poolCfg.ConnConfig.User)
	assert.Equal(t, `pa ss'wo"rd=@/`, poolCfg.ConnConfig.Password)
	assert.Equal(t, 5*time.Second, poolCfg.ConnConfig.ConnectTimeout)
}

func TestConfig_DSNPrefersURL(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "postgres://u:p@elsewhere:6543/other"
	assert.Equal(t, cfg.URL, cfg.DSN())
}

func TestGateway_ConcurrentCallersShareOneConnect(t *testing.T) {
	gw := NewGateway(testConfig(), nil)

	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	gw.connect = func(ctx context.Context, _ *pgxpool.Config) (pool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return &fakePool{}, nil
	}

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- gw.Connect(context.Background()) }()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	for i := 0; i < callers; i++ {
		assert.NoError(t, <-errs)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestGateway_WaiterHonoursItsOwnContext(t *testing.T) {
	gw := NewGateway(testConfig(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	gw.connect = func(ctx context.Context, _ *pgxpool.Config) (pool, error) {
		close(started)
		<-release
		return &fakePool{}, nil
	}

	first := make(chan error, 1)
	go func() { first <- gw.Connect(context.Background()) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := gw.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, gw.Connect(context.Background()))
}

func TestGateway_CloseDuringConnectDiscardsPool(t *testing.T) {
	gw := NewGateway(testConfig(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	fp := &fakePool{}
	gw.connect = func(ctx context.Context, _ *pgxpool.Config) (pool, error) {
		close(started)
		<-release
		return fp, nil
	}

	done := make(chan error, 1)
	go func() { done <- gw.Connect(context.Background()) }()
	<-started
	gw.Close()
	close(release)

	assert.ErrorIs(t, <-done, shared.ErrStoreUnavailable)
	assert.True(t, fp.closed)
}

func TestIsFatalConnectError(t *testing.T) {
	assert.True(t, IsFatalConnectError(&pgconn.PgError{Code: "28P01"}))
	assert.True(t, IsFatalConnectError(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "3D000"})))
	assert.False(t, IsFatalConnectError(&pgconn.PgError{Code: "57P03"}))
	assert.False(t, IsFatalConnectError(errors.New("connection refused")))

	_, err := pgxpool.ParseConfig("host=h dbname=db sslmode=bogus")
	require.Error(t, err)
	assert.True(t, IsFatalConnectError(err))
}

func assertNoSecret(t *testing.T, logs *observer.ObservedLogs) {
	t.Helper()
	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, testPassword)
		for k, v := range entry.ContextMap() {
			assert.NotContains(t, fmt.Sprint(v), testPassword, "field %q leaks the password", k)
		}
	}
}
