package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/reclassroom/reclass/internal/domain"
)

// MemoryStore implements Repository in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	scenarios map[string]*domain.Scenario
	sessions  map[string]*domain.Session
	now       func() time.Time
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		scenarios: make(map[string]*domain.Scenario),
		sessions:  make(map[string]*domain.Session),
		now:       time.Now,
	}
}

func cloneScenario(sc *domain.Scenario) *domain.Scenario {
	out := *sc
	out.Stakeholders = append([]domain.Stakeholder(nil), sc.Stakeholders...)
	out.KeyRequirements = append([]string(nil), sc.KeyRequirements...)
	return &out
}

// LoadScenario implements Repository.
func (m *MemoryStore) LoadScenario(_ context.Context, id string) (*domain.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	return cloneScenario(sc), nil
}

// SaveScenario implements Repository.
func (m *MemoryStore) SaveScenario(_ context.Context, sc *domain.Scenario) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if prev, ok := m.scenarios[sc.ID]; ok {
		sc.CreatedAt = prev.CreatedAt
	} else if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	m.scenarios[sc.ID] = cloneScenario(sc)
	return nil
}

// ListScenarios implements Repository.
func (m *MemoryStore) ListScenarios(_ context.Context) ([]*domain.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Scenario, 0, len(m.scenarios))
	for _, sc := range m.scenarios {
		out = append(out, cloneScenario(sc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteScenario implements Repository.
func (m *MemoryStore) DeleteScenario(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scenarios[id]; !ok {
		return fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	delete(m.scenarios, id)
	return nil
}

// CreateSession implements Repository.
func (m *MemoryStore) CreateSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrConflict)
	}
	now := m.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.sessions[s.ID] = s.Clone()
	return nil
}

// GetSession implements Repository.
func (m *MemoryStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

// FindActiveSession implements Repository. The most recently created match wins.
func (m *MemoryStore) FindActiveSession(_ context.Context, scenarioID, studentID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *domain.Session
	for _, s := range m.sessions {
		if s.ScenarioID != scenarioID || s.StudentID != studentID || s.Status != domain.StatusActive {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) || (s.CreatedAt.Equal(found.CreatedAt) && s.ID > found.ID) {
			found = s
		}
	}
	if found == nil {
		return nil, fmt.Errorf("active session for %s/%s: %w", scenarioID, studentID, ErrNotFound)
	}
	return found.Clone(), nil
}

// AppendTurn implements Repository.
func (m *MemoryStore) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return m.applyTurns(s, []domain.Turn{turn})
}

func (m *MemoryStore) applyTurns(s *domain.Session, turns []domain.Turn) error {
	fresh, err := planTurns(len(s.Turns), turns, func(seq int) (domain.Turn, bool) {
		if seq < 1 || seq > len(s.Turns) {
			return domain.Turn{}, false
		}
		return s.Turns[seq-1], true
	})
	if err != nil {
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	s.Turns = append(s.Turns, fresh...)
	s.UpdatedAt = m.now()
	return nil
}

// UpdateSessionStatus implements Repository.
func (m *MemoryStore) UpdateSessionStatus(_ context.Context, sessionID string, status domain.Status, remaining int) error {
	if remaining < 0 {
		return errNegativeRemaining
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	s.Status = status
	s.Remaining = remaining
	s.UpdatedAt = m.now()
	return nil
}

// CommitTurns implements Repository.
func (m *MemoryStore) CommitTurns(_ context.Context, sessionID string, turns []domain.Turn, status domain.Status, remaining int) error {
	if remaining < 0 {
		return errNegativeRemaining
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	// Work on a copy so a rejected batch leaves the session untouched.
	next := s.Clone()
	if err := m.applyTurns(next, turns); err != nil {
		return err
	}
	next.Status = status
	next.Remaining = remaining
	m.sessions[sessionID] = next
	return nil
}

// SaveRequirements implements Repository.
func (m *MemoryStore) SaveRequirements(_ context.Context, sessionID string, reqs []domain.Requirement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	s.Requirements = append([]domain.Requirement(nil), reqs...)
	s.UpdatedAt = m.now()
	return nil
}

// SaveNegotiationStatus implements Repository.
func (m *MemoryStore) SaveNegotiationStatus(_ context.Context, sessionID string, status map[string]domain.Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	s.NegotiationStatus = make(map[string]domain.Negotiation, len(status))
	for k, v := range status {
		s.NegotiationStatus[k] = v
	}
	s.UpdatedAt = m.now()
	return nil
}

// Ping implements Repository.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Repository.
func (m *MemoryStore) Close() error { return nil }
