package dialogue

import (
	"errors"
	"fmt"

	"github.com/reclassroom/reclass/internal/completion"
	"github.com/reclassroom/reclass/internal/domain"
)

var (
	// ErrInvalidScenario is returned by Start for scenarios that cannot back a session.
	ErrInvalidScenario = domain.ErrInvalidScenario
	// ErrSessionClosed is returned when a session is terminal or out of budget.
	ErrSessionClosed = errors.New("session closed")
	// ErrEmptyUtterance is returned for blank student input.
	ErrEmptyUtterance = errors.New("utterance is empty")
	// ErrInvalidRequest is returned for malformed start parameters.
	ErrInvalidRequest = errors.New("invalid request")
)

// CompletionFailure means the persona reply could not be produced. Nothing
// was committed and the utterance is kept as pending; resubmitting it is safe.
type CompletionFailure struct {
	Kind completion.Kind
	Err  error
}

func (e *CompletionFailure) Error() string {
	return fmt.Sprintf("completion failed (%s): %v", e.Kind, e.Err)
}

func (e *CompletionFailure) Unwrap() error { return e.Err }

// Retryable is always true: every completion failure may be retried.
func (e *CompletionFailure) Retryable() bool { return true }

// PersistenceFailure means the turn was not durably committed. Unless
// Abandoned is set, resubmitting the same text re-persists the identical
// turns without a second completion call.
type PersistenceFailure struct {
	Err       error
	Abandoned bool
}

func (e *PersistenceFailure) Error() string {
	if e.Abandoned {
		return fmt.Sprintf("persistence failed, session abandoned: %v", e.Err)
	}
	return fmt.Sprintf("persistence failed: %v", e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting can succeed.
func (e *PersistenceFailure) Retryable() bool { return !e.Abandoned }
