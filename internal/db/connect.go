package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite

	"github.com/annotext/annotext/internal/config"
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens the primary datastore described by the settings payload and
// ensures the schema exists.
func Open(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	driver := Driver(cfg.Driver)

	var drvName, dsn string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		name := cfg.Name
		if name == "" {
			name = "annotext.db"
		}
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=busy_timeout(5000)", name)
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     cfg.Host,
			Path:     "/" + cfg.Name,
			RawQuery: "sslmode=disable",
		}
		dsn = u.String()
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := EnsureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates the annotation tables when they do not exist.
// Open calls it; tests that open their own connection can too.
func EnsureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS annotations (
  id TEXT PRIMARY KEY,
  context_id TEXT NOT NULL,
  collection_id TEXT NOT NULL,
  uri TEXT NOT NULL,
  media TEXT NOT NULL,
  user_id TEXT NOT NULL,
  user_name TEXT NOT NULL,
  is_private INTEGER NOT NULL DEFAULT 0,
  text TEXT NOT NULL DEFAULT '',
  quote TEXT NOT NULL DEFAULT '',
  body_json TEXT NOT NULL,
  parent_id TEXT,
  total_comments INTEGER NOT NULL DEFAULT 0,
  is_deleted INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS annotation_tags (
  annotation_id TEXT NOT NULL REFERENCES annotations(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  PRIMARY KEY (annotation_id, name)
);

CREATE TABLE IF NOT EXISTS user_stats (
  context_id TEXT NOT NULL,
  collection_id TEXT NOT NULL,
  uri TEXT NOT NULL,
  user_id TEXT NOT NULL,
  user_name TEXT NOT NULL,
  total_annotations INTEGER NOT NULL DEFAULT 0,
  total_comments INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (context_id, collection_id, uri, user_id)
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS annotations (
  id TEXT PRIMARY KEY,
  context_id TEXT NOT NULL,
  collection_id TEXT NOT NULL,
  uri TEXT NOT NULL,
  media TEXT NOT NULL,
  user_id TEXT NOT NULL,
  user_name TEXT NOT NULL,
  is_private BOOLEAN NOT NULL DEFAULT FALSE,
  text TEXT NOT NULL DEFAULT '',
  quote TEXT NOT NULL DEFAULT '',
  body_json TEXT NOT NULL,
  parent_id TEXT,
  total_comments INTEGER NOT NULL DEFAULT 0,
  is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS annotation_tags (
  annotation_id TEXT NOT NULL REFERENCES annotations(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  PRIMARY KEY (annotation_id, name)
);

CREATE TABLE IF NOT EXISTS user_stats (
  context_id TEXT NOT NULL,
  collection_id TEXT NOT NULL,
  uri TEXT NOT NULL,
  user_id TEXT NOT NULL,
  user_name TEXT NOT NULL,
  total_annotations INTEGER NOT NULL DEFAULT 0,
  total_comments INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (context_id, collection_id, uri, user_id)
);
`
