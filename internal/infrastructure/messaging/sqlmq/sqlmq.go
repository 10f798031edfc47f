// Package sqlmq implements the messaging contracts over a relational
// outbox table.  Publishers insert rows into dgf_messages; subscribers
// poll, claim rows by consumer name, and delete or mark them after
// delivery.  PostgreSQL (via the pgx stdlib driver) and SQLite are
// supported, with the schema applied through embedded migrations.
package sqlmq

import (
	"database/sql"
	"embed"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Property keys understood by this transport.
const (
	PropDriver          = "sql.driver"
	PropPollIntervalMs  = "sql.poll_interval_ms"
	PropBatch           = "sql.batch"
	PropMaxAttempts     = "sql.max_attempts"
	PropRetainProcessed = "sql.retain_processed"
	PropClaimTimeoutMs  = "sql.claim_timeout_ms"
	PropConsumer        = "sql.consumer"
)

const (
	driverPgx    = "pgx"
	driverSQLite = "sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// resolveDriver picks the database/sql driver and DSN from the broker
// declaration.  The driver property wins; otherwise the URI scheme
// decides.
func resolveDriver(cfg *brokertypes.Config) (driver, dsn string, err error) {
	uri := cfg.ConnectionURI
	driver = cfg.Properties.String(PropDriver, "")
	switch {
	case driver == "" && (strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://")):
		driver = driverPgx
	case driver == "" && strings.HasPrefix(uri, "sqlite://"):
		driver = driverSQLite
	case driver == "" && (strings.HasPrefix(uri, "file:") || strings.Contains(uri, ":memory:")):
		driver = driverSQLite
	}

	switch driver {
	case driverPgx:
		return driver, uri, nil
	case driverSQLite:
		return driver, strings.TrimPrefix(uri, "sqlite://"), nil
	default:
		return "", "", apperrors.New(apperrors.ErrCodeConfigInvalid,
			"sql broker "+cfg.BrokerID+" needs sql.driver pgx or sqlite3, or a recognizable uri")
	}
}

// openDB opens and pings the database, then applies migrations.
func openDB(cfg *brokertypes.Config) (*sql.DB, string, error) {
	driver, dsn, err := resolveDriver(cfg)
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "sql open "+cfg.BrokerID)
	}
	if driver == driverSQLite {
		// SQLite allows one writer; a single pooled connection
		// avoids lock contention and keeps :memory: databases
		// visible across calls.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, "", apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "sql ping "+cfg.BrokerID)
	}
	if err := runMigrations(db, driver); err != nil {
		_ = db.Close()
		return nil, "", apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "sql migrate "+cfg.BrokerID)
	}
	return db, driver, nil
}

func runMigrations(db *sql.DB, driver string) error {
	var (
		dbDriver database.Driver
		dir      string
		err      error
	)
	switch driver {
	case driverPgx:
		dbDriver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
		dir = "migrations/postgres"
	case driverSQLite:
		dbDriver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
		dir = "migrations/sqlite3"
	}
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, driver, dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// rebind converts ? placeholders to the $n form pgx expects.
func rebind(driver, query string) string {
	if driver != driverPgx {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
