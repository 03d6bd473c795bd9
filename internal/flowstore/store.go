// Package flowstore loads conversation flow graphs from a definition file and exposes
// read access plus the exclusive "active flow" marker.
//
// The engine reads one snapshot of the collection per turn; definitions are replaced
// wholesale on reload, never mutated in place.
package flowstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/BTreeMap/CourseBot/internal/models"
)

// Store holds the current flow collection. It is safe for concurrent use.
type Store struct {
	path   string
	format Format

	// writeMu serializes Reload and SetActive so a reload never installs a file read
	// taken before a concurrent activation was written.
	writeMu sync.Mutex

	mu    sync.RWMutex
	flows []models.Flow
}

// Open loads flows from path. A missing file yields an empty collection.
func Open(path string) (*Store, error) {
	s := &Store{path: path, format: FormatFor(path)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// New builds a store over an in-memory collection. SetActive does not persist.
func New(flows []models.Flow) (*Store, error) {
	if err := Validate(flows); err != nil {
		return nil, err
	}
	return &Store{format: FormatJSON, flows: flows}, nil
}

// Path returns the definition file backing the store, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the definition file. On error the previous collection stays in service.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		slog.Warn("FlowStore.Reload: definition file not found, using empty collection", "path", s.path)
		s.replace([]models.Flow{})
		return nil
	}
	if err != nil {
		slog.Error("FlowStore.Reload: failed to read definitions", "path", s.path, "error", err)
		return fmt.Errorf("read flow definitions: %w", err)
	}

	flows, err := Decode(data, s.format)
	if err != nil {
		slog.Error("FlowStore.Reload: rejected flow definitions", "path", s.path, "error", err)
		return err
	}
	s.replace(flows)
	slog.Info("FlowStore.Reload: flows loaded", "path", s.path, "count", len(flows))
	return nil
}

func (s *Store) replace(flows []models.Flow) {
	s.mu.Lock()
	s.flows = flows
	s.mu.Unlock()
}

// ListFlows returns the flows in stored order.
func (s *Store) ListFlows() []models.Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Flow, len(s.flows))
	copy(out, s.flows)
	return out
}

// Flow returns the flow with the given id.
func (s *Store) Flow(id int) (*models.Flow, bool) {
	for _, f := range s.ListFlows() {
		if f.ID == id {
			f := f
			return &f, true
		}
	}
	return nil, false
}

// FlowByName returns the first flow with the given name.
func (s *Store) FlowByName(name string) (*models.Flow, bool) {
	for _, f := range s.ListFlows() {
		if f.Name == name {
			f := f
			return &f, true
		}
	}
	return nil, false
}

// ActiveFlow returns the flow currently marked active, if any.
func (s *Store) ActiveFlow() (*models.Flow, bool) {
	for _, f := range s.ListFlows() {
		if f.IsActive {
			f := f
			return &f, true
		}
	}
	return nil, false
}

// SetActive marks one flow active and every other flow inactive, then persists the
// collection when the store is file-backed.
func (s *Store) SetActive(id int) (*models.Flow, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]models.Flow, len(s.flows))
	var activated *models.Flow
	for i, f := range s.flows {
		f.IsActive = f.ID == id
		next[i] = f
		if f.IsActive {
			activated = &next[i]
		}
	}
	if activated == nil {
		return nil, fmt.Errorf("%w: id %d", models.ErrFlowNotFound, id)
	}

	if s.path != "" {
		if err := s.write(next); err != nil {
			return nil, err
		}
	}
	s.flows = next
	slog.Info("FlowStore.SetActive: flow activated", "flow_id", id, "name", activated.Name)
	out := *activated
	return &out, nil
}

// write replaces the definition file atomically.
func (s *Store) write(flows []models.Flow) error {
	data, err := Encode(flows, s.format)
	if err != nil {
		return fmt.Errorf("encode flow definitions: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".flows-*")
	if err != nil {
		slog.Error("FlowStore.write: failed to create temp file", "dir", dir, "error", err)
		return fmt.Errorf("create temp flow file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp flow file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp flow file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		slog.Error("FlowStore.write: failed to replace definitions", "path", s.path, "error", err)
		return fmt.Errorf("replace flow file: %w", err)
	}
	return nil
}
