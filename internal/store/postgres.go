// Package store provides storage backends for CourseBot.
//
// This file implements a PostgreSQL-backed message log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CourseBot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, m models.Message) (models.Message, error) {
	m, err := prepareMessage(m)
	if err != nil {
		return models.Message{}, err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO messages (sender_id, to_id, message_body, direction, template_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		m.SenderID, nilIfEmpty(m.ToID), m.Body, string(m.Direction), nilIfEmpty(m.TemplateID), m.Timestamp,
	).Scan(&m.ID)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "sender", m.SenderID, "to", m.ToID)
		return models.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	slog.Debug("PostgresStore AddMessage succeeded", "id", m.ID, "direction", m.Direction, "template_id", m.TemplateID)
	return m, nil
}

func (s *PostgresStore) LastOutgoing(ctx context.Context, address string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE to_id = $1 AND direction = 'outgoing'
		 ORDER BY timestamp DESC, id DESC LIMIT 1`, address)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LastOutgoing failed", "error", err, "address", address)
		return nil, fmt.Errorf("failed to query last outgoing message: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) Conversation(ctx context.Context, address string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE sender_id = $1 OR to_id = $1
		 ORDER BY timestamp ASC, id ASC`, address)
	if err != nil {
		slog.Error("PostgresStore Conversation query failed", "error", err, "address", address)
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return collectMessages(rows)
}

func (s *PostgresStore) HasOutgoingMarker(ctx context.Context, address, templateID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE to_id = $1 AND direction = 'outgoing' AND template_id = $2)`,
		address, templateID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check marker: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) AddAlert(ctx context.Context, a models.DashboardAlert) (models.DashboardAlert, error) {
	a = prepareAlert(a)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO dashboard_alerts (student_phone, message_id, alert_type, description, is_resolved, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		a.StudentPhone, a.MessageID, a.AlertType, a.Description, a.IsResolved, a.Timestamp,
	).Scan(&a.ID)
	if err != nil {
		slog.Error("PostgresStore AddAlert failed", "error", err, "student", a.StudentPhone)
		return models.DashboardAlert{}, fmt.Errorf("failed to insert alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) Alerts(ctx context.Context, unresolvedOnly bool) ([]models.DashboardAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM dashboard_alerts`
	if unresolvedOnly {
		query += ` WHERE is_resolved = FALSE`
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("PostgresStore Alerts query failed", "error", err)
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	return collectAlerts(rows)
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
