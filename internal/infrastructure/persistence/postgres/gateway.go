// Package postgres implements the PostgreSQL persistence layer of the XP engine:
// the store gateway, the schema migrations and the repositories.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/pkg/logger"
	"github.com/eduplatform/xp-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrConnectionClosed indicates the gateway was closed.
	ErrConnectionClosed = errors.New("postgres: gateway is closed")

	// ErrMigrationFailed indicates a migration failure.
	ErrMigrationFailed = errors.New("postgres: migration failed")

	// ErrTransactionFailed indicates a transaction failure.
	ErrTransactionFailed = errors.New("postgres: transaction failed")

	// ErrNoRows is returned when a query returns no rows.
	ErrNoRows = pgx.ErrNoRows
)

// SQLSTATE codes that make a connection attempt pointless to repeat.
var fatalConnectCodes = map[string]string{
	"28000": "invalid_authorization_specification",
	"28P01": "invalid_password",
	"3D000": "invalid_catalog_name",
	"42501": "insufficient_privilege",
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ══════════════════════════════════════════════════════════════════════════════

// Config holds PostgreSQL connection configuration.
type Config struct {
	// URL is a full connection string. When set it takes precedence over
	// the discrete fields below.
	URL string

	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration

	// ConnectAttempts bounds the connection protocol.
	ConnectAttempts int
	// ConnectRetryDelay is the fixed wait between connection attempts.
	ConnectRetryDelay time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5432,
		Database:          "xp_engine",
		User:              "postgres",
		SSLMode:           "disable",
		MaxConns:          10,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    5 * time.Second,
		ConnectAttempts:   3,
		ConnectRetryDelay: 2 * time.Second,
	}
}

// DSN returns the connection string for PostgreSQL. Discrete fields are
// assembled as a URL so credentials with spaces or quotes survive escaping.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}

	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	if secs := int(c.ConnectTimeout.Seconds()); secs > 0 {
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// PoolConfig returns pgxpool configuration.
func (c Config) PoolConfig() (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(c.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if c.MaxConns > 0 {
		config.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		config.MinConns = c.MinConns
	}
	if c.MaxConnLifetime > 0 {
		config.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = c.MaxConnIdleTime
	}
	if c.HealthCheckPeriod > 0 {
		config.HealthCheckPeriod = c.HealthCheckPeriod
	}

	return config, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// GATEWAY
// ══════════════════════════════════════════════════════════════════════════════

// Querier is an interface that both *pgxpool.Pool and pgx.Tx implement.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// pool is the part of *pgxpool.Pool the gateway uses.
type pool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// connectFunc opens and verifies a pool.
type connectFunc func(ctx context.Context, cfg *pgxpool.Config) (pool, error)

func connectPool(ctx context.Context, cfg *pgxpool.Config) (pool, error) {
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Gateway is the single path from the engine to PostgreSQL.
//
// The pool is created lazily on first use by the connection protocol: up to
// ConnectAttempts tries separated by ConnectRetryDelay. Concurrent callers
// share one protocol run and each stops waiting when its own context ends.
// Authorization, unknown database and malformed DSN errors end the protocol
// at once. Once a pool exists it is kept for the life of the Gateway.
// Callers only ever see shared.ErrStoreUnavailable for connection failures.
type Gateway struct {
	cfg     Config
	log     *logger.Logger
	tracer  trace.Tracer
	connect connectFunc

	dials singleflight.Group

	mu     sync.Mutex
	pool   pool
	closed bool
}

// NewGateway creates a gateway. It does not connect; call Connect at startup
// or let the first primitive do it.
func NewGateway(cfg Config, log *logger.Logger) *Gateway {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 3
	}
	if cfg.ConnectRetryDelay < 0 {
		cfg.ConnectRetryDelay = 2 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Gateway{
		cfg:     cfg,
		log:     log.With(logger.Component("store_gateway")),
		tracer:  otel.Tracer("github.com/eduplatform/xp-engine/postgres"),
		connect: connectPool,
	}
}

// Connect runs the connection protocol if no pool exists yet.
func (g *Gateway) Connect(ctx context.Context) error {
	_, err := g.acquire(ctx)
	return err
}

// Close releases the pool. Subsequent calls fail with shared.ErrStoreUnavailable.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.closed = true
	if g.pool != nil {
		g.pool.Close()
		g.pool = nil
	}
}

// Ping checks that the store answers.
func (g *Gateway) Ping(ctx context.Context) error {
	p, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	return p.Ping(ctx)
}

func (g *Gateway) acquire(ctx context.Context) (pool, error) {
	if p, err := g.loaded(); p != nil || err != nil {
		return p, err
	}

	// The protocol outlives any single caller so a cancelled request does
	// not abort the run other callers are waiting on.
	dialCtx := context.WithoutCancel(ctx)
	ch := g.dials.DoChan("connect", func() (interface{}, error) {
		if p, err := g.loaded(); p != nil || err != nil {
			return p, err
		}
		p, err := g.dial(dialCtx)
		if err != nil {
			return nil, shared.ErrStoreUnavailable
		}
		return g.store(p)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(pool), nil
	}
}

// loaded returns the cached pool, or nil and no error when none exists yet.
func (g *Gateway) loaded() (pool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		g.log.Error("store gateway used after close", logger.Err(ErrConnectionClosed))
		return nil, shared.ErrStoreUnavailable
	}
	return g.pool, nil
}

func (g *Gateway) store(p pool) (pool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		p.Close()
		return nil, shared.ErrStoreUnavailable
	}
	g.pool = p
	return p, nil
}

// dial runs the connection protocol. Only one run is active at a time.
func (g *Gateway) dial(ctx context.Context) (pool, error) {
	poolCfg, err := g.cfg.PoolConfig()
	if err != nil {
		g.log.Error("database configuration is invalid", logger.Err(err))
		return nil, err
	}

	fields := []logger.Field{
		logger.String("host", poolCfg.ConnConfig.Host),
		logger.String("database", poolCfg.ConnConfig.Database),
		logger.String("user", poolCfg.ConnConfig.User),
	}

	attempt := 0
	r := retry.New(g.cfg.ConnectAttempts, g.cfg.ConnectRetryDelay,
		retry.WithOnRetry(func(n int, err error, delay time.Duration) {
			g.log.Warn("database connection attempt failed, retrying",
				append(fields, logger.Attempt(n), logger.Err(err), logger.Duration("retry_in", delay))...)
		}),
	)

	var p pool
	err = r.Do(ctx, func(ctx context.Context) error {
		attempt++
		g.log.Info("connecting to database", append(fields, logger.Attempt(attempt))...)

		start := time.Now()
		conn, err := g.connect(ctx, poolCfg)
		if err != nil {
			return classifyConnectError(err)
		}
		p = conn
		g.log.Info("database connection established",
			append(fields, logger.Attempt(attempt), logger.Latency(time.Since(start)))...)
		return nil
	})
	if err != nil {
		g.log.Error("database unavailable",
			append(fields, logger.Attempt(attempt), logger.Bool("fatal", IsFatalConnectError(err)), logger.Err(err))...)
		return nil, err
	}
	return p, nil
}

// classifyConnectError marks configuration and credential errors permanent.
func classifyConnectError(err error) error {
	if IsFatalConnectError(err) {
		return retry.Permanent(err)
	}
	return err
}

// IsFatalConnectError reports whether retrying the connection cannot help.
func IsFatalConnectError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, fatal := fatalConnectCodes[pgErr.Code]
		return fatal
	}
	var parseErr *pgconn.ParseConfigError
	return errors.As(err, &parseErr)
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTION SUPPORT
// ══════════════════════════════════════════════════════════════════════════════

type txKey struct{}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// WithTx executes fn within a transaction. Primitives called with the context
// passed to fn run on that transaction. If ctx already carries a transaction
// fn joins it. The transaction commits if fn returns nil.
func (g *Gateway) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	p, err := g.acquire(ctx)
	if err != nil {
		return err
	}

	ctx, span := g.tracer.Start(ctx, "postgres.tx")
	defer func() { endSpan(span, err) }()

	tx, err := p.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit error: %w", err)
	}
	return nil
}

// WithinTx implements shared.Transactor.
func (g *Gateway) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.WithTx(ctx, fn)
}

// ══════════════════════════════════════════════════════════════════════════════
// PRIMITIVES
// All take parameterized SQL and positional arguments.
// ══════════════════════════════════════════════════════════════════════════════

func (g *Gateway) querier(ctx context.Context) (Querier, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx, nil
	}
	return g.acquire(ctx)
}

func (g *Gateway) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, "postgres."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", op),
			attribute.Bool("db.in_transaction", txFromContext(ctx) != nil),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store error")
	}
	span.End()
}

// QueryRow fetches a single row. A missing row surfaces from Scan as ErrNoRows.
func (g *Gateway) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := g.startSpan(ctx, "query_row")
	q, err := g.querier(ctx)
	if err != nil {
		endSpan(span, err)
		return errRow{err: err}
	}
	return &tracedRow{row: q.QueryRow(ctx, sql, args...), span: span}
}

// Query fetches many rows. The caller must close the returned rows.
func (g *Gateway) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := g.startSpan(ctx, "query")
	defer span.End()

	q, err := g.querier(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store error")
		return nil, err
	}
	return rows, nil
}

// Exec runs a statement and returns the number of affected rows.
func (g *Gateway) Exec(ctx context.Context, sql string, args ...interface{}) (n int64, err error) {
	ctx, span := g.startSpan(ctx, "exec")
	defer func() { endSpan(span, err) }()

	q, err := g.querier(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// InsertReturningID runs an INSERT ... RETURNING id and returns the generated id.
// With ON CONFLICT DO NOTHING a skipped insert returns ErrNoRows.
func (g *Gateway) InsertReturningID(ctx context.Context, sql string, args ...interface{}) (id int64, err error) {
	ctx, span := g.startSpan(ctx, "insert_returning_id")
	defer func() { endSpan(span, err) }()

	q, err := g.querier(ctx)
	if err != nil {
		return 0, err
	}
	err = q.QueryRow(ctx, sql, args...).Scan(&id)
	return id, err
}

type errRow struct{ err error }

func (r errRow) Scan(...interface{}) error { return r.err }

type tracedRow struct {
	row  pgx.Row
	span trace.Span
}

func (r *tracedRow) Scan(dest ...interface{}) error {
	err := r.row.Scan(dest...)
	endSpan(r.span, err)
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// IsUniqueViolation checks if the error is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// IsCheckViolation checks if the error is a check constraint violation.
func IsCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514" // check_violation
	}
	return false
}

// IsNumericOutOfRange checks if a value did not fit its column type.
func IsNumericOutOfRange(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "22003" // numeric_value_out_of_range
	}
	return false
}

// IsNoRows checks if the error is a "no rows" error.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
