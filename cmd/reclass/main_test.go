package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclassroom/reclass/internal/domain"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScenarioImportAndList(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "reclass.db"))
	t.Setenv("RECLASS_LOG_LEVEL", "error")

	out, err := run(t, "scenario", "import", "testdata/library.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "imported library-kiosk (3 stakeholders, limit 12)")

	out, err = run(t, "scenario", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "library-kiosk")
	assert.Contains(t, out, "medium")

	_, err = run(t, "session", "show", "nope")
	assert.Error(t, err)
}

func TestScenarioImportDryRunRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "id: x\ninteraction_limit: 0\nstakeholders:\n  - role: A\n")

	_, err := run(t, "scenario", "import", "--dry-run", bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidScenario)

	out, err := run(t, "scenario", "import", "--dry-run", "testdata/library.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "library-kiosk: ok")
}

func TestPrintTranscript(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	sess := &domain.Session{
		ID:               "s1",
		ScenarioID:       "library-kiosk",
		StudentID:        "alice",
		InteractionLimit: 12,
		Remaining:        11,
		Status:           domain.StatusActive,
		Turns: []domain.Turn{
			{Seq: 1, Author: domain.StudentAuthor, Text: "What slows the desk down?", Timestamp: ts},
			{Seq: 2, Author: "Head Librarian", Text: "Renewals, mostly.", Timestamp: ts},
		},
		Requirements: []domain.Requirement{{Text: "Self-service renewals", Source: "Head Librarian", Priority: "High", Category: "User Need"}},
		NegotiationStatus: map[string]domain.Negotiation{
			"Self-service renewals": {Status: domain.NegotiationAgreed},
		},
	}

	var buf bytes.Buffer
	printTranscript(&buf, sess)
	lines := strings.Split(buf.String(), "\n")
	assert.Contains(t, lines[1], "11 of 12 interactions remaining")
	assert.Contains(t, buf.String(), "  2  09:30:00  Head Librarian: Renewals, mostly.")
	assert.Contains(t, buf.String(), "Self-service renewals (High, User Need, from Head Librarian) [Agreed]")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
