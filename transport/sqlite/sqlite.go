// Package sqlite registers the table-backed broker on an embedded SQLite
// file. All instances must share the file, which limits it to one host.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/flotilla/transport"
	"github.com/drblury/flotilla/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// connectionOptions enable WAL, wait on locks instead of failing, and take
// the write lock when a transaction begins.
const connectionOptions = "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build opens the file named by sql.dsn and creates the broker tables when
// missing.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if cfg == nil || cfg.LookupString("sql.dsn") == "" {
		return nil, errors.New("sqlite: sql.dsn is required")
	}

	db, err := sql.Open("sqlite3", DSN(cfg.LookupString("sql.dsn")))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// One connection serialises writers; every query is drained before the
	// next begins.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	broker, err := sqlqueue.New(ctx, sqlqueue.Options{
		DB:                db,
		Dialect:           sqlqueue.SQLite,
		CloseDB:           true,
		TablePrefix:       cfg.LookupString("sql.table_prefix"),
		TopicPrefix:       transport.TopicPrefix(cfg),
		VisibilityTimeout: cfg.GetVisibilityTimeout(),
		DeadLetterQueue:   cfg.GetDeadLetterQueueName(),
		MaxReceiveCount:   cfg.GetMaxReceiveCount(),
		Capabilities:      transport.SQLiteCapabilities,
		Logger:            logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return broker, nil
}

// DSN turns a file path into a URI with the connection options, unless it
// already carries its own.
func DSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + connectionOptions
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}
