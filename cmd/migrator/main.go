// Command migrator applies the SQL files in the migrations directory to
// the Wooffy database, tracking what already ran in schema_migrations.
// Runs are safe to repeat: applied files are skipped by name.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "/migrations"
	}

	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("parse DATABASE_URL: %v", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // allow multi-statement migrations
	cfg.ConnConfig.RuntimeParams["application_name"] = "wooffy-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer pool.Close()

	if err := ensureLedger(ctx, pool); err != nil {
		log.Fatalf("ensure schema_migrations: %v", err)
	}

	applied, err := run(ctx, pool, migrationsDir)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}

	if applied == 0 {
		log.Print("schema already up to date")
	} else {
		log.Printf("schema updated, %d migration(s) applied", applied)
	}
}

// ensureLedger creates the tracking table on first run.
func ensureLedger(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

// run applies every pending *.up.sql file in lexical order and returns
// how many actually ran.
func run(ctx context.Context, pool *pgxpool.Pool, dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return 0, fmt.Errorf("list migrations in %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return 0, fmt.Errorf("no *.up.sql files in %s", dir)
	}
	sort.Strings(paths)

	applied := 0
	for _, path := range paths {
		name := filepath.Base(path)

		done, err := alreadyApplied(ctx, pool, name)
		if err != nil {
			return applied, fmt.Errorf("check %s: %w", name, err)
		}
		if done {
			log.Printf("%s: already applied, skipping", name)
			continue
		}

		contents, err := os.ReadFile(path)
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", name, err)
		}

		log.Printf("%s: applying", name)
		start := time.Now()

		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return applied, fmt.Errorf("run %s: %w", name, err)
		}

		if _, err := pool.Exec(ctx,
			"INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name,
		); err != nil {
			return applied, fmt.Errorf("record %s: %w", name, err)
		}

		applied++
		log.Printf("%s: done in %s", name, time.Since(start).Round(time.Millisecond))
	}

	return applied, nil
}

func alreadyApplied(ctx context.Context, pool *pgxpool.Pool, name string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name,
	).Scan(&exists)
	return exists, err
}
