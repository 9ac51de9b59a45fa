package domain

import (
	"time"
)

// StudentAuthor is the author of every student-written turn.
const StudentAuthor = "student"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// ResponseStyle controls persona verbosity.
type ResponseStyle string

const (
	StyleNormal   ResponseStyle = "normal"
	StyleConcise  ResponseStyle = "concise"
	StyleDetailed ResponseStyle = "detailed"
)

// Valid reports whether r is a known style. Empty means normal.
func (r ResponseStyle) Valid() bool {
	switch r {
	case "", StyleNormal, StyleConcise, StyleDetailed:
		return true
	}
	return false
}

// Turn is one authored message. Turns are append-only.
type Turn struct {
	Seq       int       `json:"seq"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// IsStudent reports whether the student wrote the turn.
func (t Turn) IsStudent() bool {
	return t.Author == StudentAuthor
}

// Session is one student's run through a scenario.
type Session struct {
	ID                string                 `json:"id"`
	ScenarioID        string                 `json:"scenario_id"`
	StudentID         string                 `json:"student_id"`
	Turns             []Turn                 `json:"dialogue_history"`
	InteractionLimit  int                    `json:"interaction_limit"`
	Remaining         int                    `json:"remaining"`
	Status            Status                 `json:"status"`
	ContextWindow     int                    `json:"context_window"`
	ResponseStyle     ResponseStyle          `json:"response_style,omitempty"`
	Requirements      []Requirement          `json:"elicited_requirements"`
	NegotiationStatus map[string]Negotiation `json:"negotiation_status"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// NextSeq returns the sequence number of the next appended turn.
func (s *Session) NextSeq() int {
	if len(s.Turns) == 0 {
		return 1
	}
	return s.Turns[len(s.Turns)-1].Seq + 1
}

// StudentTurns counts student-authored turns.
func (s *Session) StudentTurns() int {
	n := 0
	for _, t := range s.Turns {
		if t.IsStudent() {
			n++
		}
	}
	return n
}

// RecentTurns returns the last n turns. n <= 0 returns the whole transcript.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 || n >= len(s.Turns) {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = append([]Turn(nil), s.Turns...)
	out.Requirements = append([]Requirement(nil), s.Requirements...)
	if s.NegotiationStatus != nil {
		out.NegotiationStatus = make(map[string]Negotiation, len(s.NegotiationStatus))
		for k, v := range s.NegotiationStatus {
			out.NegotiationStatus[k] = v
		}
	}
	return &out
}
