// Package domain contains core domain types for the reclass orchestrator.
package domain

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidScenario is returned when a scenario cannot back a session.
var ErrInvalidScenario = errors.New("invalid scenario")

// Difficulty controls how much coaching the workbench gives a student.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is a known difficulty. Empty is treated as easy.
func (d Difficulty) Valid() bool {
	switch d {
	case "", DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Stakeholder is one persona inside a scenario. Role is unique within the scenario.
type Stakeholder struct {
	Role       string     `json:"role" yaml:"role"`
	Attributes Attributes `json:"attributes" yaml:"attributes"`
}

// Scenario is an instructor-authored project context with its personas.
// Stakeholder order is the routing tie-break order.
type Scenario struct {
	ID               string        `json:"id" yaml:"id"`
	Title            string        `json:"title,omitempty" yaml:"title,omitempty"`
	ProjectContext   string        `json:"project_context" yaml:"project_context"`
	Stakeholders     []Stakeholder `json:"stakeholders" yaml:"stakeholders"`
	InteractionLimit int           `json:"interaction_limit" yaml:"interaction_limit"`
	Difficulty       Difficulty    `json:"difficulty_level,omitempty" yaml:"difficulty_level,omitempty"`
	KeyRequirements  []string      `json:"key_requirements,omitempty" yaml:"key_requirements,omitempty"`
	CreatedAt        time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time     `json:"updated_at" yaml:"-"`
}

// Validate checks the scenario can start a session. Every failure wraps
// ErrInvalidScenario.
func (s *Scenario) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: scenario is nil", ErrInvalidScenario)
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidScenario)
	}
	if len(s.Stakeholders) == 0 {
		return fmt.Errorf("%w: at least one stakeholder is required", ErrInvalidScenario)
	}
	if s.InteractionLimit <= 0 {
		return fmt.Errorf("%w: interaction limit must be > 0, got %d", ErrInvalidScenario, s.InteractionLimit)
	}
	if !s.Difficulty.Valid() {
		return fmt.Errorf("%w: unknown difficulty %q", ErrInvalidScenario, s.Difficulty)
	}
	seen := make(map[string]struct{}, len(s.Stakeholders))
	for i, st := range s.Stakeholders {
		role := strings.TrimSpace(st.Role)
		if role == "" {
			return fmt.Errorf("%w: stakeholder %d has no role", ErrInvalidScenario, i)
		}
		if role == StudentAuthor {
			return fmt.Errorf("%w: role %q is reserved", ErrInvalidScenario, role)
		}
		key := strings.ToLower(role)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate stakeholder role %q", ErrInvalidScenario, role)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Stakeholder returns the stakeholder with the given role.
func (s *Scenario) Stakeholder(role string) (Stakeholder, bool) {
	for _, st := range s.Stakeholders {
		if st.Role == role {
			return st, true
		}
	}
	return Stakeholder{}, false
}

// Roles returns stakeholder roles in declared order.
func (s *Scenario) Roles() []string {
	roles := make([]string, 0, len(s.Stakeholders))
	for _, st := range s.Stakeholders {
		roles = append(roles, st.Role)
	}
	return roles
}

// EffectiveDifficulty returns the difficulty, defaulting to easy.
func (s *Scenario) EffectiveDifficulty() Difficulty {
	if s.Difficulty == "" {
		return DifficultyEasy
	}
	return s.Difficulty
}

// DecodeScenarioYAML parses an instructor scenario file. Unknown top-level
// fields and unknown stakeholder attributes are rejected.
func DecodeScenarioYAML(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario yaml: %w", err)
	}
	return &sc, nil
}
