package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/example/apimarket/internal/config"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	)
	flag.Parse()

	if err := run(*command, *steps, *version, *dir); err != nil {
		slog.Error("migrate failed", "command", *command, "error", err)
		os.Exit(1)
	}
}

var errDirty = errors.New("database is dirty")

func run(command string, steps int, version uint, dir string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.DBAdapter != config.AdapterPostgres {
		return fmt.Errorf("migrations only apply to PostgreSQL (current adapter: %s)", cfg.DBAdapter)
	}
	dsn, err := cfg.BuildPostgresDSN()
	if err != nil {
		return fmt.Errorf("postgres config: %w", err)
	}
	migrationsDir := cfg.MigrationsDir
	if dir != "" {
		migrationsDir = dir
	}

	m, db, err := openMigrator(migrationsDir, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	switch command {
	case "up":
		if err := migrateUp(m, steps); err != nil {
			return fmt.Errorf("migration up: %w", err)
		}
		fmt.Println("migrations applied")
	case "down":
		if err := migrateDown(m, steps); err != nil {
			return fmt.Errorf("migration down: %w", err)
		}
		fmt.Println("migrations rolled back")
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		if dirty {
			return fmt.Errorf("%w at version %d", errDirty, v)
		}
		fmt.Printf("current migration version: %d\n", v)
	case "force":
		if version == 0 {
			return errors.New("force needs a target, use -version")
		}
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("force migration: %w", err)
		}
		fmt.Printf("forced database to version %d\n", version)
	default:
		return fmt.Errorf("unknown command %s (supported: up, down, version, force)", command)
	}
	return nil
}

func openMigrator(migrationsDir, dsn string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, db, nil
}

func migrateUp(m *migrate.Migrate, steps int) error {
	var err error
	if steps > 0 {
		err = m.Steps(steps)
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func migrateDown(m *migrate.Migrate, steps int) error {
	var err error
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
