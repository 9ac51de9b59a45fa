package domain

// Negotiation states reported by conflict analysis.
const (
	NegotiationAgreed   = "Agreed"
	NegotiationDisputed = "Disputed"
)

// Requirement is a requirement the student recorded during elicitation.
type Requirement struct {
	Text     string `json:"requirement"`
	Source   string `json:"source"`
	Priority string `json:"priority"`
	Category string `json:"category"`
}

// Negotiation is the conflict status of one requirement.
type Negotiation struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}
