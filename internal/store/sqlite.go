package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/reclassroom/reclass/internal/domain"
	"github.com/reclassroom/reclass/internal/shared"
)

// SQLiteStore implements Repository using SQLite. Transcript turns live in
// their own table keyed by (session_id, seq).
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	// writeMu serialises writers inside the process to avoid SQLITE_BUSY.
	writeMu sync.Mutex
	retry   shared.RetryPolicy
}

// NewSQLite opens (or creates) the database at dbPath.
func NewSQLite(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		project_context TEXT NOT NULL,
		interaction_limit INTEGER NOT NULL,
		difficulty TEXT NOT NULL DEFAULT '',
		stakeholders_json TEXT NOT NULL,
		key_requirements_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		status TEXT NOT NULL,
		interaction_limit INTEGER NOT NULL,
		remaining INTEGER NOT NULL CHECK (remaining >= 0),
		context_window INTEGER NOT NULL,
		response_style TEXT NOT NULL DEFAULT '',
		requirements_json TEXT NOT NULL DEFAULT '[]',
		negotiation_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(scenario_id, student_id, status);

	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		author TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// write runs fn under the writer lock, retrying SQLite busy errors with
// exponential backoff.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return shared.RetryOnConflict(ctx, s.retry, func(err error) bool {
		if shared.IsSQLiteConflictError(err) {
			attempt++
			s.logger.Debug("sqlite busy, retrying", zap.String("op", op), zap.Int("attempt", attempt))
			return true
		}
		return false
	}, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return fn()
	})
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// LoadScenario implements Repository.
func (s *SQLiteStore) LoadScenario(ctx context.Context, id string) (*domain.Scenario, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, project_context, interaction_limit, difficulty,
		       stakeholders_json, key_requirements_json, created_at, updated_at
		FROM scenarios WHERE id = ?`, id)
	sc, err := scanScenario(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	return sc, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScenario(row rowScanner) (*domain.Scenario, error) {
	var sc domain.Scenario
	var difficulty, stakeholdersJSON, keyReqsJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&sc.ID, &sc.Title, &sc.ProjectContext, &sc.InteractionLimit, &difficulty,
		&stakeholdersJSON, &keyReqsJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan scenario row: %w", err)
	}
	sc.Difficulty = domain.Difficulty(difficulty)
	if err := json.Unmarshal([]byte(stakeholdersJSON), &sc.Stakeholders); err != nil {
		return nil, fmt.Errorf("decode stakeholders of %s: %w", sc.ID, err)
	}
	if err := json.Unmarshal([]byte(keyReqsJSON), &sc.KeyRequirements); err != nil {
		return nil, fmt.Errorf("decode key requirements of %s: %w", sc.ID, err)
	}
	sc.CreatedAt = fromMillis(createdAt)
	sc.UpdatedAt = fromMillis(updatedAt)
	return &sc, nil
}

// SaveScenario implements Repository.
func (s *SQLiteStore) SaveScenario(ctx context.Context, sc *domain.Scenario) error {
	stakeholders, err := json.Marshal(sc.Stakeholders)
	if err != nil {
		return fmt.Errorf("encode stakeholders: %w", err)
	}
	keyReqs := sc.KeyRequirements
	if keyReqs == nil {
		keyReqs = []string{}
	}
	keyReqsJSON, err := json.Marshal(keyReqs)
	if err != nil {
		return fmt.Errorf("encode key requirements: %w", err)
	}
	now := time.Now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now

	return s.write(ctx, "save_scenario", func() error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenarios (id, title, project_context, interaction_limit, difficulty,
			stakeholders_json, key_requirements_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			project_context = excluded.project_context,
			interaction_limit = excluded.interaction_limit,
			difficulty = excluded.difficulty,
			stakeholders_json = excluded.stakeholders_json,
			key_requirements_json = excluded.key_requirements_json,
			updated_at = excluded.updated_at`,
			sc.ID, sc.Title, sc.ProjectContext, sc.InteractionLimit, string(sc.Difficulty),
			string(stakeholders), string(keyReqsJSON), millis(sc.CreatedAt), millis(sc.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert scenario: %w", err)
		}
		return nil
	})
}

// ListScenarios implements Repository.
func (s *SQLiteStore) ListScenarios(ctx context.Context) ([]*domain.Scenario, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, project_context, interaction_limit, difficulty,
		       stakeholders_json, key_requirements_json, created_at, updated_at
		FROM scenarios ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query scenarios: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close scenario rows", zap.Error(closeErr))
		}
	}()

	var out []*domain.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scenarios: %w", err)
	}
	return out, nil
}

// DeleteScenario implements Repository.
func (s *SQLiteStore) DeleteScenario(ctx context.Context, id string) error {
	return s.write(ctx, "delete_scenario", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM scenarios WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete scenario: %w", err)
		}
		return expectRows(res, fmt.Sprintf("scenario %s", id))
	})
}

func expectRows(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// CreateSession implements Repository.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	reqs, negotiation, err := encodeWorkbench(sess.Requirements, sess.NegotiationStatus)
	if err != nil {
		return err
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	return s.write(ctx, "create_session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session: %w", err)
		}
		defer rollback(tx)

		res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, scenario_id, student_id, status, interaction_limit, remaining,
			context_window, response_style, requirements_json, negotiation_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
			sess.ID, sess.ScenarioID, sess.StudentID, string(sess.Status), sess.InteractionLimit,
			sess.Remaining, sess.ContextWindow, string(sess.ResponseStyle), reqs, negotiation,
			millis(sess.CreatedAt), millis(sess.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("session %s: %w", sess.ID, ErrConflict)
		}
		if err := insertTurns(ctx, tx, sess.ID, sess.Turns); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func encodeWorkbench(reqs []domain.Requirement, negotiation map[string]domain.Negotiation) (string, string, error) {
	if reqs == nil {
		reqs = []domain.Requirement{}
	}
	if negotiation == nil {
		negotiation = map[string]domain.Negotiation{}
	}
	r, err := json.Marshal(reqs)
	if err != nil {
		return "", "", fmt.Errorf("encode requirements: %w", err)
	}
	n, err := json.Marshal(negotiation)
	if err != nil {
		return "", "", fmt.Errorf("encode negotiation status: %w", err)
	}
	return string(r), string(n), nil
}

func rollback(tx *sql.Tx) {
	// Rollback after Commit returns sql.ErrTxDone, which is expected.
	_ = tx.Rollback()
}

func insertTurns(ctx context.Context, tx *sql.Tx, sessionID string, turns []domain.Turn) error {
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, seq, author, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, t.Seq, t.Author, t.Text, millis(t.Timestamp)); err != nil {
			return fmt.Errorf("insert turn %d: %w", t.Seq, err)
		}
	}
	return nil
}

const sessionColumns = `id, scenario_id, student_id, status, interaction_limit, remaining,
	context_window, response_style, requirements_json, negotiation_json, created_at, updated_at`

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var status, style, reqs, negotiation string
	var createdAt, updatedAt int64
	if err := row.Scan(&sess.ID, &sess.ScenarioID, &sess.StudentID, &status, &sess.InteractionLimit,
		&sess.Remaining, &sess.ContextWindow, &style, &reqs, &negotiation, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	sess.Status = domain.Status(status)
	sess.ResponseStyle = domain.ResponseStyle(style)
	if err := json.Unmarshal([]byte(reqs), &sess.Requirements); err != nil {
		return nil, fmt.Errorf("decode requirements of %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(negotiation), &sess.NegotiationStatus); err != nil {
		return nil, fmt.Errorf("decode negotiation status of %s: %w", sess.ID, err)
	}
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return &sess, nil
}

// GetSession implements Repository.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if sess.Turns, err = s.loadTurns(ctx, id); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) loadTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, author, content, created_at FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close turn rows", zap.Error(closeErr))
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var ts int64
		if err := rows.Scan(&t.Seq, &t.Author, &t.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Timestamp = fromMillis(ts)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// FindActiveSession implements Repository.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, scenarioID, studentID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id FROM sessions
		WHERE scenario_id = ? AND student_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, scenarioID, studentID, string(domain.StatusActive))
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active session for %s/%s: %w", scenarioID, studentID, ErrNotFound)
		}
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// AppendTurn implements Repository.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	return s.commit(ctx, "append_turn", sessionID, []domain.Turn{turn}, nil, 0)
}

// UpdateSessionStatus implements Repository.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.Status, remaining int) error {
	if remaining < 0 {
		return errNegativeRemaining
	}
	return s.write(ctx, "update_session_status", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, remaining = ?, updated_at = ? WHERE id = ?`,
			string(status), remaining, millis(time.Now()), sessionID)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		return expectRows(res, fmt.Sprintf("session %s", sessionID))
	})
}

// CommitTurns implements Repository in a single transaction.
func (s *SQLiteStore) CommitTurns(ctx context.Context, sessionID string, turns []domain.Turn, status domain.Status, remaining int) error {
	if remaining < 0 {
		return errNegativeRemaining
	}
	return s.commit(ctx, "commit_turns", sessionID, turns, &status, remaining)
}

// commit appends turns and, when status is non-nil, updates status and
// remaining in the same transaction.
func (s *SQLiteStore) commit(ctx context.Context, op, sessionID string, turns []domain.Turn, status *domain.Status, remaining int) error {
	return s.write(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", op, err)
		}
		defer rollback(tx)

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}

		var stored int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ?`, sessionID).Scan(&stored); err != nil {
			return fmt.Errorf("read transcript length: %w", err)
		}

		var lookupErr error
		fresh, err := planTurns(stored, turns, func(seq int) (domain.Turn, bool) {
			t := domain.Turn{Seq: seq}
			err := tx.QueryRowContext(ctx, `SELECT author, content FROM turns WHERE session_id = ? AND seq = ?`,
				sessionID, seq).Scan(&t.Author, &t.Text)
			if err != nil {
				if !errors.Is(err, sql.ErrNoRows) {
					lookupErr = err
				}
				return domain.Turn{}, false
			}
			return t, true
		})
		if lookupErr != nil {
			return fmt.Errorf("read stored turn: %w", lookupErr)
		}
		if err != nil {
			return fmt.Errorf("session %s: %w", sessionID, err)
		}

		if err := insertTurns(ctx, tx, sessionID, fresh); err != nil {
			return err
		}

		now := millis(time.Now())
		if status != nil {
			_, err = tx.ExecContext(ctx, `UPDATE sessions SET status = ?, remaining = ?, updated_at = ? WHERE id = ?`,
				string(*status), remaining, now, sessionID)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
		}
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		return nil
	})
}

// SaveRequirements implements Repository.
func (s *SQLiteStore) SaveRequirements(ctx context.Context, sessionID string, reqs []domain.Requirement) error {
	encoded, _, err := encodeWorkbench(reqs, nil)
	if err != nil {
		return err
	}
	return s.write(ctx, "save_requirements", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE sessions SET requirements_json = ?, updated_at = ? WHERE id = ?`,
			encoded, millis(time.Now()), sessionID)
		if err != nil {
			return fmt.Errorf("save requirements: %w", err)
		}
		return expectRows(res, fmt.Sprintf("session %s", sessionID))
	})
}

// SaveNegotiationStatus implements Repository.
func (s *SQLiteStore) SaveNegotiationStatus(ctx context.Context, sessionID string, status map[string]domain.Negotiation) error {
	_, encoded, err := encodeWorkbench(nil, status)
	if err != nil {
		return err
	}
	return s.write(ctx, "save_negotiation_status", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE sessions SET negotiation_json = ?, updated_at = ? WHERE id = ?`,
			encoded, millis(time.Now()), sessionID)
		if err != nil {
			return fmt.Errorf("save negotiation status: %w", err)
		}
		return expectRows(res, fmt.Sprintf("session %s", sessionID))
	})
}
