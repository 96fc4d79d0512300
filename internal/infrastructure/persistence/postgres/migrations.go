package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eduplatform/xp-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION SUPPORT
// ══════════════════════════════════════════════════════════════════════════════

// Migration is one versioned schema change with its inverse.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationStatus reports whether a known migration is applied.
type MigrationStatus struct {
	Version   int        `json:"version"`
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// Migrator applies and reverts schema migrations, tracking them in
// schema_migrations.
type Migrator struct {
	gw         *Gateway
	migrations []Migration
	log        *logger.Logger
}

// NewMigrator creates a migrator for the embedded migrations.
func NewMigrator(gw *Gateway, log *logger.Logger) *Migrator {
	return NewMigratorWithMigrations(gw, GetMigrations(), log)
}

// NewMigratorWithMigrations creates a migrator for migrations, which are
// sorted by version.
func NewMigratorWithMigrations(gw *Gateway, migrations []Migration, log *logger.Logger) *Migrator {
	if log == nil {
		log = logger.Nop()
	}
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Migrator{
		gw:         gw,
		migrations: sorted,
		log:        log.With(logger.Component("migrator")),
	}
}

const createMigrationTableSQL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)
`

const (
	selectAppliedSQL = `SELECT version, applied_at FROM schema_migrations ORDER BY version`
	recordAppliedSQL = `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`
	forgetAppliedSQL = `DELETE FROM schema_migrations WHERE version = $1`
)

// applied creates the tracking table if needed and returns applied versions.
func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	if _, err := m.gw.Exec(ctx, createMigrationTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := m.gw.Query(ctx, selectAppliedSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var (
			version   int
			appliedAt time.Time
		)
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		out[version] = appliedAt
	}
	return out, rows.Err()
}

// Migrate applies every pending migration in version order, each in its own
// transaction, and returns the versions it applied.
func (m *Migrator) Migrate(ctx context.Context) ([]int, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var done []int
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if mig.UpSQL == "" {
			return done, fmt.Errorf("%w: migration %d has no up SQL", ErrMigrationFailed, mig.Version)
		}
		if err := m.step(ctx, mig.UpSQL, recordAppliedSQL, mig.Version, mig.Name); err != nil {
			return done, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		m.log.Info("migration applied", logger.Int("version", mig.Version), logger.String("name", mig.Name))
		done = append(done, mig.Version)
	}
	return done, nil
}

// Rollback reverts up to steps applied migrations, newest first, and returns
// the versions it reverted. An applied version with no known down SQL stops
// the rollback before anything else changes.
func (m *Migrator) Rollback(ctx context.Context, steps int) ([]int, error) {
	if steps <= 0 {
		return nil, nil
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	versions := make([]int, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	if len(versions) > steps {
		versions = versions[:steps]
	}

	var done []int
	for _, v := range versions {
		mig, ok := m.find(v)
		if !ok || mig.DownSQL == "" {
			return done, fmt.Errorf("%w: migration %d has no down SQL", ErrMigrationFailed, v)
		}
		if err := m.step(ctx, mig.DownSQL, forgetAppliedSQL, mig.Version); err != nil {
			return done, fmt.Errorf("%w: rollback of version %d: %v", ErrMigrationFailed, v, err)
		}
		m.log.Warn("migration rolled back", logger.Int("version", mig.Version), logger.String("name", mig.Name))
		done = append(done, v)
	}
	return done, nil
}

// Status lists every known migration with its applied time, plus applied
// versions this binary does not know about.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(m.migrations))
	for _, mig := range m.migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
			delete(applied, mig.Version)
		}
		out = append(out, st)
	}
	for v, at := range applied {
		at := at
		out = append(out, MigrationStatus{Version: v, Name: "unknown", Applied: true, AppliedAt: &at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Migrator) find(version int) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.Version == version {
			return mig, true
		}
	}
	return Migration{}, false
}

// step runs schemaSQL and the bookkeeping statement in one transaction.
func (m *Migrator) step(ctx context.Context, schemaSQL, bookSQL string, bookArgs ...interface{}) error {
	return m.gw.WithTx(ctx, func(ctx context.Context) error {
		if _, err := m.gw.Exec(ctx, schemaSQL); err != nil {
			return err
		}
		_, err := m.gw.Exec(ctx, bookSQL, bookArgs...)
		return err
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_users_and_lessons",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_lesson_progress",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
		{
			Version: 3,
			Name:    "create_xp_ledger",
			UpSQL:   migration003Up,
			DownSQL: migration003Down,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: USERS AND LESSONS
// The engine only writes users.xp_points, users.current_level and
// users.is_active. The rest is owned by the account and content services.
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS users (
    id BIGSERIAL PRIMARY KEY,
    username VARCHAR(64) NOT NULL UNIQUE,
    full_name VARCHAR(200) NOT NULL DEFAULT '',
    role VARCHAR(20) NOT NULL DEFAULT 'student',
    xp_points INTEGER NOT NULL DEFAULT 0,
    current_level INTEGER NOT NULL DEFAULT 1,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_role CHECK (role IN ('student', 'admin')),
    CONSTRAINT valid_xp CHECK (xp_points >= 0),
    CONSTRAINT valid_level CHECK (current_level >= 1)
);

CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);

CREATE TABLE IF NOT EXISTS lessons (
    id BIGSERIAL PRIMARY KEY,
    title VARCHAR(200) NOT NULL,
    xp_reward INTEGER NOT NULL DEFAULT 0,
    is_published BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_xp_reward CHECK (xp_reward BETWEEN 0 AND 1000000)
);
`

const migration001Down = `
DROP TABLE IF EXISTS lessons;
DROP TABLE IF EXISTS users;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: LESSON PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS lesson_progress (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    lesson_id BIGINT NOT NULL REFERENCES lessons(id) ON DELETE CASCADE,
    status VARCHAR(20) NOT NULL,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT uq_lesson_progress_user_lesson UNIQUE (user_id, lesson_id),
    CONSTRAINT valid_progress_status CHECK (status IN ('in_progress', 'completed')),
    CONSTRAINT completed_has_timestamp CHECK (status <> 'completed' OR completed_at IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_lesson_progress_completed
    ON lesson_progress(completed_at) WHERE status = 'completed';
`

const migration002Down = `
DROP TABLE IF EXISTS lesson_progress;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: XP LEDGER
// One row per applied adjustment. The partial unique index makes a lesson
// reward grantable at most once per (user, lesson).
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS xp_ledger (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    lesson_id BIGINT REFERENCES lessons(id) ON DELETE SET NULL,
    reason VARCHAR(20) NOT NULL,
    delta_requested INTEGER NOT NULL,
    delta_applied INTEGER NOT NULL,
    xp_before INTEGER NOT NULL,
    xp_after INTEGER NOT NULL,
    level_before INTEGER NOT NULL,
    level_after INTEGER NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_reason CHECK (reason IN ('lesson_reward', 'admin_grant', 'admin_deduct', 'admin_reset')),
    CONSTRAINT lesson_reward_has_lesson CHECK (reason <> 'lesson_reward' OR lesson_id IS NOT NULL),
    CONSTRAINT valid_xp_after CHECK (xp_after >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_xp_ledger_lesson_reward
    ON xp_ledger(user_id, lesson_id) WHERE reason = 'lesson_reward';

CREATE INDEX IF NOT EXISTS idx_xp_ledger_user_created
    ON xp_ledger(user_id, created_at DESC);
`

const migration003Down = `
DROP TABLE IF EXISTS xp_ledger;
`
