// Package analysis validates elicited requirements and checks them for conflicts.
package analysis

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reclassroom/reclass/internal/domain"
)

// ErrInvalidRequirement is returned for requirements the workbench rejects.
var ErrInvalidRequirement = errors.New("invalid requirement")

// Priorities, highest first.
var Priorities = []string{"High", "Medium", "Low"}

// Categories a requirement may be filed under.
var Categories = []string{"Uncategorized", "Business Need", "User Need", "Functional", "Non-Functional", "To Be Clarified"}

const (
	defaultPriority = "Medium"
	defaultCategory = "Uncategorized"
)

// NormalizeRequirement validates req against the scenario and the
// requirements already recorded, filling defaults. Source must name a
// stakeholder of sc; priority and category match case-insensitively.
func NormalizeRequirement(req domain.Requirement, sc *domain.Scenario, existing []domain.Requirement) (domain.Requirement, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return domain.Requirement{}, fmt.Errorf("%w: text is required", ErrInvalidRequirement)
	}
	for _, e := range existing {
		if strings.EqualFold(e.Text, req.Text) {
			return domain.Requirement{}, fmt.Errorf("%w: %q is already recorded", ErrInvalidRequirement, req.Text)
		}
	}

	source := strings.TrimSpace(req.Source)
	found := false
	for _, st := range sc.Stakeholders {
		if strings.EqualFold(st.Role, source) {
			req.Source = st.Role
			found = true
			break
		}
	}
	if !found {
		return domain.Requirement{}, fmt.Errorf("%w: source %q is not a stakeholder", ErrInvalidRequirement, req.Source)
	}

	var ok bool
	if req.Priority, ok = pick(req.Priority, Priorities, defaultPriority); !ok {
		return domain.Requirement{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequirement, req.Priority)
	}
	if req.Category, ok = pick(req.Category, Categories, defaultCategory); !ok {
		return domain.Requirement{}, fmt.Errorf("%w: unknown category %q", ErrInvalidRequirement, req.Category)
	}
	return req, nil
}

func pick(v string, options []string, def string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, true
	}
	for _, o := range options {
		if strings.EqualFold(o, v) {
			return o, true
		}
	}
	return v, false
}
