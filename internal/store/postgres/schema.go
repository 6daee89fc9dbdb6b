package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// LatestSchemaVersion is the version CheckDatabase upgrades to. Version N is
// reached by applying migrations/000N_*.sql.
const LatestSchemaVersion = 5

type migration struct {
	version int
	name    string
}

// migrations lists the embedded scripts in version order.
func migrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		v, err := migrationVersion(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: v, name: e.Name()})
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	for i, m := range out {
		if m.version != i+1 {
			return nil, fmt.Errorf("postgres: migration %s out of sequence, want version %d", m.name, i+1)
		}
	}
	return out, nil
}

// migrationVersion parses the numeric prefix of "0003_reserved_ticks.sql".
func migrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("postgres: migration %q has no version prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("postgres: migration %q has bad version prefix", name)
	}
	return v, nil
}

// UpgradeScript returns the SQL that takes a schema at version to
// LatestSchemaVersion. It is empty when version is already the latest.
func (c *Client) UpgradeScript(version int) (string, error) {
	return upgradeScript(version)
}

func upgradeScript(version int) (string, error) {
	if version < 0 || version > LatestSchemaVersion {
		return "", fmt.Errorf("postgres: upgrade from version %d: %w", version, domain.ErrValidation)
	}
	ms, err := migrations()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range ms {
		if m.version <= version {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + m.name)
		if err != nil {
			return "", fmt.Errorf("postgres: read migration %s: %w", m.name, err)
		}
		fmt.Fprintf(&b, "-- %s\n%s\n", m.name, strings.TrimSpace(string(data)))
	}
	return b.String(), nil
}

// SchemaVersion reports the highest migration recorded as applied, or 0 on an
// empty database.
func (c *Client) SchemaVersion(ctx context.Context) (int, error) {
	if err := c.ensureTracker(ctx); err != nil {
		return 0, err
	}
	rows, err := c.pool.Query(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("postgres: read schema_migrations: %w", err)
	}
	defer rows.Close()

	version := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, fmt.Errorf("postgres: scan schema_migrations: %w", err)
		}
		v, err := migrationVersion(name)
		if err != nil {
			return 0, err
		}
		version = max(version, v)
	}
	return version, rows.Err()
}

// CheckDatabase applies every migration newer than the recorded version and
// returns the resulting version.
func (c *Client) CheckDatabase(ctx context.Context) (int, error) {
	current, err := c.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}
	if current > LatestSchemaVersion {
		return 0, fmt.Errorf("postgres: schema version %d is newer than this build (%d)", current, LatestSchemaVersion)
	}
	ms, err := migrations()
	if err != nil {
		return 0, err
	}
	for _, m := range ms {
		if m.version <= current {
			continue
		}
		if err := c.apply(ctx, m); err != nil {
			return 0, err
		}
		current = m.version
	}
	return current, nil
}

func (c *Client) ensureTracker(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := c.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (c *Client) apply(ctx context.Context, m migration) error {
	data, err := migrationsFS.ReadFile("migrations/" + m.name)
	if err != nil {
		return fmt.Errorf("postgres: read migration %s: %w", m.name, err)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx for %s: %w", m.name, err)
	}
	if _, err := tx.Exec(ctx, string(data)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("postgres: exec migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (filename) VALUES ($1)",
		m.name,
	); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("postgres: record migration %s: %w", m.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit migration %s: %w", m.name, err)
	}
	return nil
}
