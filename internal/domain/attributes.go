package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Attribute keys recognised on a stakeholder. Anything else is rejected.
const (
	AttrGoals              = "goals"
	AttrBackground         = "background"
	AttrCommunicationStyle = "communication_style"
	AttrDomainKnowledge    = "domain_knowledge"
	AttrConstraints        = "constraints"
)

// attributeAliases maps legacy instructor keys onto the fixed field set.
var attributeAliases = map[string]string{
	"non_negotiable_constraints": AttrConstraints,
	"hidden_constraints":         AttrConstraints,
	"style":                      AttrCommunicationStyle,
	"knowledge":                  AttrDomainKnowledge,
}

// Attributes is the fixed set of optional persona fields.
type Attributes struct {
	Goals              string `json:"goals,omitempty" yaml:"goals,omitempty"`
	Background         string `json:"background,omitempty" yaml:"background,omitempty"`
	CommunicationStyle string `json:"communication_style,omitempty" yaml:"communication_style,omitempty"`
	DomainKnowledge    string `json:"domain_knowledge,omitempty" yaml:"domain_knowledge,omitempty"`
	Constraints        string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// ErrAttributeConflict reports two keys, typically a field and one of its
// aliases, that name the same attribute.
var ErrAttributeConflict = errors.New("conflicting stakeholder attributes")

// UnknownAttributeError lists attribute keys outside the fixed set.
type UnknownAttributeError struct {
	Keys []string
}

func (e *UnknownAttributeError) Error() string {
	return fmt.Sprintf("unknown stakeholder attributes: %s", strings.Join(e.Keys, ", "))
}

// ParseAttributes maps a free-form key/value set onto Attributes. Keys are
// matched case-insensitively; unrecognised keys produce *UnknownAttributeError
// and two keys for the same field produce ErrAttributeConflict.
func ParseAttributes(raw map[string]string) (Attributes, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var a Attributes
	var unknown []string
	setBy := make(map[string]string, len(raw))
	for _, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		if alias, ok := attributeAliases[key]; ok {
			key = alias
		}
		var field *string
		switch key {
		case AttrGoals:
			field = &a.Goals
		case AttrBackground:
			field = &a.Background
		case AttrCommunicationStyle:
			field = &a.CommunicationStyle
		case AttrDomainKnowledge:
			field = &a.DomainKnowledge
		case AttrConstraints:
			field = &a.Constraints
		default:
			unknown = append(unknown, k)
			continue
		}
		if prev, dup := setBy[key]; dup {
			return Attributes{}, fmt.Errorf("%w: %q and %q both set %s", ErrAttributeConflict, prev, k, key)
		}
		setBy[key] = k
		*field = strings.TrimSpace(raw[k])
	}
	if len(unknown) > 0 {
		return Attributes{}, &UnknownAttributeError{Keys: unknown}
	}
	return a, nil
}

// Map returns the non-empty attributes keyed by their canonical names.
func (a Attributes) Map() map[string]string {
	out := make(map[string]string, 5)
	for k, v := range map[string]string{
		AttrGoals:              a.Goals,
		AttrBackground:         a.Background,
		AttrCommunicationStyle: a.CommunicationStyle,
		AttrDomainKnowledge:    a.DomainKnowledge,
		AttrConstraints:        a.Constraints,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// UnmarshalJSON rejects unknown attribute keys.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode attributes: %w", err)
	}
	parsed, err := ParseAttributes(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// UnmarshalYAML rejects unknown attribute keys.
func (a *Attributes) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode attributes: %w", err)
	}
	parsed, err := ParseAttributes(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
