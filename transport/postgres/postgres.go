// Package postgres registers the table-backed broker on PostgreSQL. Claims
// use FOR UPDATE SKIP LOCKED, so any number of instances can consume the same
// competing queue.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq"

	"github.com/drblury/flotilla/transport"
	"github.com/drblury/flotilla/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	maxOpenConns    = 10
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
)

// Open allows overriding how the database is opened, for tests.
var Open = func(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func init() {
	Register()
}

// Register adds the transport, and its "postgresql" alias, to the default
// registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Build connects to sql.dsn and creates the broker tables when missing.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if cfg == nil || cfg.LookupString("sql.dsn") == "" {
		return nil, errors.New("postgres: sql.dsn is required")
	}

	db, err := Open(cfg.LookupString("sql.dsn"))
	if err != nil {
		return nil, fmt.Errorf("postgres: open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: postgres: %v", transport.ErrDisconnected, err)
	}

	broker, err := sqlqueue.New(ctx, sqlqueue.Options{
		DB:                db,
		Dialect:           sqlqueue.Postgres,
		CloseDB:           true,
		TablePrefix:       cfg.LookupString("sql.table_prefix"),
		TopicPrefix:       transport.TopicPrefix(cfg),
		VisibilityTimeout: cfg.GetVisibilityTimeout(),
		DeadLetterQueue:   cfg.GetDeadLetterQueueName(),
		MaxReceiveCount:   cfg.GetMaxReceiveCount(),
		Capabilities:      transport.PostgresCapabilities,
		Logger:            logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return broker, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}
