package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const migrationTable = "duckshare_schema_migrations"

// lockKey is the pg advisory lock that serializes concurrent runners, for
// example several server replicas migrating on deploy.
const lockKey int64 = 0x6475636b736872

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// Status is one catalog schema migration and whether the database has it.
type Status struct {
	Version int64
	Name    string
	Applied bool
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Up applies pending migrations in version order. steps <= 0 applies all.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	count := 0
	err := r.withLock(ctx, db, func(conn *sql.Conn, items []migration, applied []int64) error {
		for _, item := range items {
			if slices.Contains(applied, item.Version) {
				continue
			}
			if steps > 0 && count >= steps {
				break
			}
			mark := `INSERT INTO ` + migrationTable + ` (version, name) VALUES ($1, $2)`
			if err := runInTx(ctx, conn, item.UpSQL, mark, item.Version, item.Name); err != nil {
				return fmt.Errorf("apply migration %06d_%s: %w", item.Version, item.Name, err)
			}
			count++
		}
		return nil
	})
	return count, err
}

// Down rolls back the newest applied migrations. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	count := 0
	err := r.withLock(ctx, db, func(conn *sql.Conn, items []migration, applied []int64) error {
		slices.Reverse(applied)
		for _, version := range applied {
			if count >= steps {
				break
			}
			idx := slices.IndexFunc(items, func(m migration) bool { return m.Version == version })
			if idx < 0 {
				return fmt.Errorf("applied migration %d is missing from source", version)
			}
			item := items[idx]
			unmark := `DELETE FROM ` + migrationTable + ` WHERE version = $1`
			if err := runInTx(ctx, conn, item.DownSQL, unmark, item.Version); err != nil {
				return fmt.Errorf("roll back migration %06d_%s: %w", item.Version, item.Name, err)
			}
			count++
		}
		return nil
	})
	return count, err
}

// Status lists every known migration in order, plus any applied version the
// binary does not know about.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	items, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(items))
	for _, item := range items {
		out = append(out, Status{Version: item.Version, Name: item.Name, Applied: slices.Contains(applied, item.Version)})
	}
	for _, version := range applied {
		if !slices.ContainsFunc(items, func(m migration) bool { return m.Version == version }) {
			out = append(out, Status{Version: version, Name: "unknown", Applied: true})
		}
	}
	slices.SortFunc(out, func(a, b Status) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// Pending reports the versions that Up would apply, in order.
func (r *Runner) Pending(ctx context.Context, db *sql.DB) ([]int64, error) {
	statuses, err := r.Status(ctx, db)
	if err != nil {
		return nil, err
	}
	pending := make([]int64, 0)
	for _, status := range statuses {
		if !status.Applied {
			pending = append(pending, status.Version)
		}
	}
	return pending, nil
}

func (r *Runner) withLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn, items []migration, applied []int64) error) error {
	items, err := loadMigrations(r.fsys)
	if err != nil {
		return err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, items, applied)
}

func ensureMigrationTable(ctx context.Context, q querier) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := q.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

// runInTx runs a migration script and its bookkeeping statement atomically.
func runInTx(ctx context.Context, conn *sql.Conn, script, bookkeeping string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

func appliedVersions(ctx context.Context, q querier) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT version FROM `+migrationTable+` ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return versions, nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationNamePattern.FindStringSubmatch(path.Base(entry.Name()))
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", entry.Name(), err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item, ok := byVersion[version]
		if !ok {
			item = &migration{Version: version, Name: matches[2]}
			byVersion[version] = item
		} else if item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has mismatched names %q and %q", version, item.Name, matches[2])
		}
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		out = append(out, *item)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
