package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const connectTimeout = 10 * time.Second

// NewPostgresPool opens the pool backing the transcript store.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse database URL")
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	if config.ConnConfig.RuntimeParams == nil {
		config.ConnConfig.RuntimeParams = map[string]string{}
	}
	config.ConnConfig.RuntimeParams["application_name"] = "chatrelay"

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return pool, nil
}

// migrationsTable records which transcript schema files have been applied.
const migrationsTable = "chatrelay_schema_migrations"

type migration struct {
	Version int
	Name    string
	Path    string
}

// loadMigrations returns the NNN_*.sql files of dir ordered by version.
// Two files sharing a version are rejected.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read migrations directory")
	}

	seen := make(map[int]string)
	var out []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		version := migrationVersion(name)
		if version == 0 {
			continue
		}
		if prev, ok := seen[version]; ok {
			return nil, errors.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name
		out = append(out, migration{Version: version, Name: name, Path: filepath.Join(dir, name)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// "001_transcript_turns.sql" → 1
func migrationVersion(name string) int {
	if len(name) < 4 || filepath.Ext(name) != ".sql" {
		return 0
	}
	version := 0
	fmt.Sscanf(name[:3], "%d", &version)
	return version
}

// pendingMigrations drops the versions already applied.
func pendingMigrations(all []migration, applied map[int]bool) []migration {
	var out []migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

// RunMigrations brings the transcript schema up to date, applying each
// pending file in its own transaction. It returns how many were applied.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationsDir string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	all, err := loadMigrations(migrationsDir)
	if err != nil {
		return 0, err
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create migrations table")
	}

	rows, err := pool.Query(ctx, "SELECT version FROM "+migrationsTable)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list applied migrations")
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan applied migration")
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "failed to list applied migrations")
	}

	pending := pendingMigrations(all, applied)
	for _, m := range pending {
		content, err := os.ReadFile(m.Path)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to read migration %s", m.Name)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to begin transaction for migration %d", m.Version)
		}

		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return 0, errors.Wrapf(err, "failed to execute migration %s", m.Name)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO "+migrationsTable+" (version, name) VALUES ($1, $2)", m.Version, m.Name); err != nil {
			tx.Rollback(ctx)
			return 0, errors.Wrapf(err, "failed to record migration %s", m.Name)
		}

		if err := tx.Commit(ctx); err != nil {
			return 0, errors.Wrapf(err, "failed to commit migration %s", m.Name)
		}

		log.Info().Int("version", m.Version).Str("file", m.Name).Msg("Applied transcript schema migration")
	}

	if len(all) > 0 {
		log.Debug().Int("schema_version", all[len(all)-1].Version).Int("applied", len(pending)).Msg("Transcript schema up to date")
	}
	return len(pending), nil
}
