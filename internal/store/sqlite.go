// Package store provides storage backends for CourseBot.
//
// This file implements an SQLite-backed message log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/CourseBot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// sqliteDriver is the database/sql driver name used by NewSQLiteStore.
var sqliteDriver = "sqlite3"

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer keeps appends serialized and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, m models.Message) (models.Message, error) {
	m, err := prepareMessage(m)
	if err != nil {
		return models.Message{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender_id, to_id, message_body, direction, template_id, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		m.SenderID, nilIfEmpty(m.ToID), m.Body, string(m.Direction), nilIfEmpty(m.TemplateID), m.Timestamp,
	)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "sender", m.SenderID, "to", m.ToID)
		return models.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to read message id: %w", err)
	}
	m.ID = id
	slog.Debug("SQLiteStore AddMessage succeeded", "id", id, "direction", m.Direction, "template_id", m.TemplateID)
	return m, nil
}

func (s *SQLiteStore) LastOutgoing(ctx context.Context, address string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE to_id = ? AND direction = 'outgoing'
		 ORDER BY timestamp DESC, id DESC LIMIT 1`, address)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LastOutgoing failed", "error", err, "address", address)
		return nil, fmt.Errorf("failed to query last outgoing message: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) Conversation(ctx context.Context, address string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE sender_id = ? OR to_id = ?
		 ORDER BY timestamp ASC, id ASC`, address, address)
	if err != nil {
		slog.Error("SQLiteStore Conversation query failed", "error", err, "address", address)
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return collectMessages(rows)
}

func (s *SQLiteStore) HasOutgoingMarker(ctx context.Context, address, templateID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE to_id = ? AND direction = 'outgoing' AND template_id = ?`,
		address, templateID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check marker: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) AddAlert(ctx context.Context, a models.DashboardAlert) (models.DashboardAlert, error) {
	a = prepareAlert(a)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dashboard_alerts (student_phone, message_id, alert_type, description, is_resolved, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		a.StudentPhone, a.MessageID, a.AlertType, a.Description, a.IsResolved, a.Timestamp,
	)
	if err != nil {
		slog.Error("SQLiteStore AddAlert failed", "error", err, "student", a.StudentPhone)
		return models.DashboardAlert{}, fmt.Errorf("failed to insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.DashboardAlert{}, fmt.Errorf("failed to read alert id: %w", err)
	}
	a.ID = id
	return a, nil
}

func (s *SQLiteStore) Alerts(ctx context.Context, unresolvedOnly bool) ([]models.DashboardAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM dashboard_alerts`
	if unresolvedOnly {
		query += ` WHERE is_resolved = 0`
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("SQLiteStore Alerts query failed", "error", err)
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	return collectAlerts(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
