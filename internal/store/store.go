// Package store provides durable scenario and session persistence.
package store

import (
	"context"
	"errors"

	"github.com/reclassroom/reclass/internal/domain"
)

var (
	// ErrNotFound is returned when a scenario or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write contradicts stored data, such as a
	// turn reusing a sequence number with different content or a duplicate
	// session id.
	ErrConflict = errors.New("conflicting write")
	// ErrSequenceGap is returned when a turn would leave a gap in the transcript.
	ErrSequenceGap = errors.New("turn sequence gap")
)

// Repository persists scenarios and sessions. Turn writes are idempotent per
// (session, seq): re-writing an identical turn is a no-op.
type Repository interface {
	// LoadScenario returns the scenario or ErrNotFound.
	LoadScenario(ctx context.Context, id string) (*domain.Scenario, error)

	// SaveScenario creates or replaces a scenario.
	SaveScenario(ctx context.Context, sc *domain.Scenario) error

	// ListScenarios returns all scenarios ordered by id.
	ListScenarios(ctx context.Context) ([]*domain.Scenario, error)

	// DeleteScenario removes a scenario. Sessions referencing it are kept.
	DeleteScenario(ctx context.Context, id string) error

	// CreateSession stores a new session; ErrConflict if the id is taken.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession returns the session with its transcript or ErrNotFound.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// FindActiveSession returns the student's active session for a scenario
	// or ErrNotFound.
	FindActiveSession(ctx context.Context, scenarioID, studentID string) (*domain.Session, error)

	// AppendTurn appends one turn.
	AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error

	// UpdateSessionStatus sets status and remaining counter.
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.Status, remaining int) error

	// CommitTurns appends turns and sets status and remaining as one atomic
	// unit. Turns already stored with identical content are skipped.
	CommitTurns(ctx context.Context, sessionID string, turns []domain.Turn, status domain.Status, remaining int) error

	// SaveRequirements replaces the session's elicited requirements.
	SaveRequirements(ctx context.Context, sessionID string, reqs []domain.Requirement) error

	// SaveNegotiationStatus replaces the session's conflict analysis result.
	SaveNegotiationStatus(ctx context.Context, sessionID string, status map[string]domain.Negotiation) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// planTurns checks turns against the stored transcript length and returns
// the suffix that still needs to be written. existing reports the stored
// turn for a seq.
func planTurns(stored int, turns []domain.Turn, existing func(seq int) (domain.Turn, bool)) ([]domain.Turn, error) {
	next := stored + 1
	var fresh []domain.Turn
	for _, t := range turns {
		if t.Seq <= stored {
			prev, ok := existing(t.Seq)
			if !ok || !sameTurn(prev, t) {
				return nil, ErrConflict
			}
			continue
		}
		if t.Seq != next {
			return nil, ErrSequenceGap
		}
		fresh = append(fresh, t)
		next++
	}
	return fresh, nil
}

func sameTurn(a, b domain.Turn) bool {
	return a.Seq == b.Seq && a.Author == b.Author && a.Text == b.Text
}

var errNegativeRemaining = errors.New("remaining interaction counter cannot be negative")
