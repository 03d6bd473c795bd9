// Package store provides storage backends for the CourseBot message log.
//
// The message log is append-only and is the single source of truth for conversation
// state. It also holds dashboard alerts and the inbound dedup table. Backends: in-memory,
// SQLite and PostgreSQL.
package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/CourseBot/internal/models"
)

// Store is the message log, alert sink and inbound dedup table.
type Store interface {
	DedupRepo

	// AddMessage appends a message and returns it with its id and timestamp set.
	AddMessage(ctx context.Context, m models.Message) (models.Message, error)
	// LastOutgoing returns the most recent outgoing message addressed to address, or nil.
	LastOutgoing(ctx context.Context, address string) (*models.Message, error)
	// Conversation returns every message sent by or to address, oldest first.
	Conversation(ctx context.Context, address string) ([]models.Message, error)
	// HasOutgoingMarker reports whether address was ever sent a message carrying templateID.
	HasOutgoingMarker(ctx context.Context, address, templateID string) (bool, error)

	// AddAlert appends a dashboard alert and returns it with its id set.
	AddAlert(ctx context.Context, a models.DashboardAlert) (models.DashboardAlert, error)
	// Alerts lists alerts, newest first.
	Alerts(ctx context.Context, unresolvedOnly bool) ([]models.DashboardAlert, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks a backend from the DSN: PostgreSQL, SQLite, or in-memory when the DSN is empty.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Warn("store.Open: no DSN configured, using in-memory message log")
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	default:
		return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	}
}

// InMemoryStore keeps the log in process memory. Used for tests and local runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages []models.Message
	alerts   []models.DashboardAlert
	dedup    map[string]*DedupRecord
	nextMsg  int64
	nextAlrt int64
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{dedup: make(map[string]*DedupRecord)}
}

func (s *InMemoryStore) AddMessage(ctx context.Context, m models.Message) (models.Message, error) {
	m, err := prepareMessage(m)
	if err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsg++
	m.ID = s.nextMsg
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *InMemoryStore) LastOutgoing(ctx context.Context, address string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *models.Message
	for i := range s.messages {
		m := s.messages[i]
		if m.Direction != models.DirectionOutgoing || m.ToID != address {
			continue
		}
		if last == nil || m.Timestamp.After(last.Timestamp) ||
			(m.Timestamp.Equal(last.Timestamp) && m.ID > last.ID) {
			mm := m
			last = &mm
		}
	}
	return last, nil
}

func (s *InMemoryStore) Conversation(ctx context.Context, address string) ([]models.Message, error) {
	s.mu.RLock()
	var out []models.Message
	for _, m := range s.messages {
		if m.SenderID == address || m.ToID == address {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *InMemoryStore) HasOutgoingMarker(ctx context.Context, address, templateID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.Direction == models.DirectionOutgoing && m.ToID == address && m.TemplateID == templateID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) AddAlert(ctx context.Context, a models.DashboardAlert) (models.DashboardAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a = prepareAlert(a)
	s.nextAlrt++
	a.ID = s.nextAlrt
	s.alerts = append(s.alerts, a)
	return a, nil
}

func (s *InMemoryStore) Alerts(ctx context.Context, unresolvedOnly bool) ([]models.DashboardAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DashboardAlert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if unresolvedOnly && s.alerts[i].IsResolved {
			continue
		}
		out = append(out, s.alerts[i])
	}
	return out, nil
}

// Messages returns a copy of the whole log in insertion order (for tests).
func (s *InMemoryStore) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *InMemoryStore) Close() error {
	return nil
}
