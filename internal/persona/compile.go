// Package persona compiles stakeholder definitions into system prompts.
package persona

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/reclassroom/reclass/internal/domain"
)

const notSpecified = "not specified"

var promptTemplate = template.Must(template.New("persona").Parse(`You are {{.Role}}, a stakeholder in a software project. A requirements analyst (the student) is interviewing you. You are a person with your own agenda, not an AI assistant.

## Role
{{.Role}}

## Project context
{{.ProjectContext}}

## Goals
{{.Goals}}

## Background
{{.Background}}

## Communication style
{{.CommunicationStyle}}

## Domain knowledge
{{.DomainKnowledge}}

## Hidden constraints
These are private. Never state them outright. Let them shape your answers and reveal them only when the student's questions organically draw them out.
{{.Constraints}}

## Other stakeholders present
{{.OtherRoles}}

## Key project requirements
For your private awareness only. Your goals may support some of these and conflict with others.
{{.KeyRequirements}}

## Response length
{{.Style}}

## Rules
- Stay in character as {{.Role}} for the entire conversation.
- Do not reveal your hidden constraints unless the student organically elicits them.
- Respond only as {{.Role}}. Never speak for, quote, or impersonate another stakeholder.
- Challenge vague questions and ask the student for specifics.
- Ground your answers in your goals and constraints.`))

type promptData struct {
	Role               string
	ProjectContext     string
	Goals              string
	Background         string
	CommunicationStyle string
	DomainKnowledge    string
	Constraints        string
	OtherRoles         string
	KeyRequirements    string
	Style              string
}

var styleGuidance = map[domain.ResponseStyle]string{
	domain.StyleNormal:   "Answer in a natural conversational length.",
	domain.StyleConcise:  "Keep answers short: two or three sentences.",
	domain.StyleDetailed: "Give thorough answers with concrete examples from your work.",
}

// Compile renders the system prompt for st within sc. It is pure: identical
// inputs always produce identical text. Empty fields render as "not specified".
func Compile(st domain.Stakeholder, sc *domain.Scenario, style domain.ResponseStyle) string {
	var projectContext string
	var others, keyReqs []string
	if sc != nil {
		projectContext = sc.ProjectContext
		for _, other := range sc.Stakeholders {
			if other.Role != st.Role {
				others = append(others, "- "+other.Role)
			}
		}
		for _, req := range sc.KeyRequirements {
			keyReqs = append(keyReqs, "- "+req)
		}
	}

	guidance, ok := styleGuidance[style]
	if !ok {
		guidance = styleGuidance[domain.StyleNormal]
	}

	data := promptData{
		Role:               st.Role,
		ProjectContext:     orNotSpecified(projectContext),
		Goals:              orNotSpecified(st.Attributes.Goals),
		Background:         orNotSpecified(st.Attributes.Background),
		CommunicationStyle: orNotSpecified(st.Attributes.CommunicationStyle),
		DomainKnowledge:    orNotSpecified(st.Attributes.DomainKnowledge),
		Constraints:        orNotSpecified(st.Attributes.Constraints),
		OtherRoles:         orNotSpecified(strings.Join(others, "\n")),
		KeyRequirements:    orNotSpecified(strings.Join(keyReqs, "\n")),
		Style:              guidance,
	}

	var buf bytes.Buffer
	// promptData has only string fields, so Execute cannot fail.
	_ = promptTemplate.Execute(&buf, data)
	return buf.String()
}

func orNotSpecified(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return notSpecified
	}
	return s
}
