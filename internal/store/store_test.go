package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclassroom/reclass/internal/config"
	"github.com/reclassroom/reclass/internal/domain"
)

func testScenario(id string) *domain.Scenario {
	return &domain.Scenario{
		ID:             id,
		Title:          "Clinic booking",
		ProjectContext: "Online appointment booking.",
		Stakeholders: []domain.Stakeholder{
			{Role: "Receptionist", Attributes: domain.Attributes{Goals: "fewer calls"}},
			{Role: "Doctor"},
		},
		InteractionLimit: 3,
		Difficulty:       domain.DifficultyMedium,
		KeyRequirements:  []string{"SMS reminders"},
	}
}

func testSession(id, scenarioID, studentID string) *domain.Session {
	return &domain.Session{
		ID:               id,
		ScenarioID:       scenarioID,
		StudentID:        studentID,
		InteractionLimit: 3,
		Remaining:        3,
		Status:           domain.StatusActive,
		ContextWindow:    10,
		ResponseStyle:    domain.StyleConcise,
	}
}

func turn(seq int, author, text string) domain.Turn {
	return domain.Turn{Seq: seq, Author: author, Text: text, Timestamp: time.UnixMilli(int64(1700000000000 + seq)).UTC()}
}

var cmpSession = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(domain.Session{}, "CreatedAt", "UpdatedAt"),
	cmpopts.EquateApproxTime(time.Millisecond),
}

// runRepositoryContract exercises behaviour every driver must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("scenario round trip", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.LoadScenario(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)

		sc := testScenario("clinic")
		require.NoError(t, repo.SaveScenario(ctx, sc))
		created := sc.CreatedAt

		got, err := repo.LoadScenario(ctx, "clinic")
		require.NoError(t, err)
		if diff := cmp.Diff(sc, got, cmpopts.IgnoreFields(domain.Scenario{}, "CreatedAt", "UpdatedAt")); diff != "" {
			t.Fatalf("scenario mismatch (-want +got):\n%s", diff)
		}

		sc.ProjectContext = "changed"
		sc.CreatedAt = time.Time{}
		require.NoError(t, repo.SaveScenario(ctx, sc))
		require.NoError(t, repo.SaveScenario(ctx, testScenario("bakery")))

		list, err := repo.ListScenarios(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "bakery", list[0].ID)
		assert.Equal(t, "changed", list[1].ProjectContext)
		assert.WithinDuration(t, created, list[1].CreatedAt, time.Second)

		require.NoError(t, repo.DeleteScenario(ctx, "bakery"))
		require.ErrorIs(t, repo.DeleteScenario(ctx, "bakery"), ErrNotFound)
	})

	t.Run("session lifecycle", func(t *testing.T) {
		repo := newRepo(t)
		sess := testSession("s1", "clinic", "alice")
		require.NoError(t, repo.CreateSession(ctx, sess))
		require.ErrorIs(t, repo.CreateSession(ctx, testSession("s1", "clinic", "alice")), ErrConflict)

		turns := []domain.Turn{turn(1, domain.StudentAuthor, "hi"), turn(2, "Doctor", "hello")}
		require.NoError(t, repo.CommitTurns(ctx, "s1", turns, domain.StatusActive, 2))

		got, err := repo.GetSession(ctx, "s1")
		require.NoError(t, err)
		want := testSession("s1", "clinic", "alice")
		want.Turns = turns
		want.Remaining = 2
		if diff := cmp.Diff(want, got, cmpSession...); diff != "" {
			t.Fatalf("session mismatch (-want +got):\n%s", diff)
		}

		active, err := repo.FindActiveSession(ctx, "clinic", "alice")
		require.NoError(t, err)
		assert.Equal(t, "s1", active.ID)

		require.NoError(t, repo.UpdateSessionStatus(ctx, "s1", domain.StatusCompleted, 0))
		_, err = repo.FindActiveSession(ctx, "clinic", "alice")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = repo.GetSession(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, repo.CommitTurns(ctx, "nope", turns, domain.StatusActive, 1), ErrNotFound)
		require.ErrorIs(t, repo.UpdateSessionStatus(ctx, "nope", domain.StatusAbandoned, 1), ErrNotFound)
		require.Error(t, repo.UpdateSessionStatus(ctx, "s1", domain.StatusCompleted, -1))
	})

	t.Run("commit is idempotent per seq", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateSession(ctx, testSession("s2", "clinic", "bob")))

		turns := []domain.Turn{turn(1, domain.StudentAuthor, "what do you need?"), turn(2, "Receptionist", "fewer calls")}
		require.NoError(t, repo.CommitTurns(ctx, "s2", turns, domain.StatusActive, 2))
		// Retry after a lost acknowledgement.
		require.NoError(t, repo.CommitTurns(ctx, "s2", turns, domain.StatusActive, 2))
		require.NoError(t, repo.AppendTurn(ctx, "s2", turns[1]))

		got, err := repo.GetSession(ctx, "s2")
		require.NoError(t, err)
		require.Len(t, got.Turns, 2)
		assert.Equal(t, 2, got.Remaining)

		conflicting := []domain.Turn{turn(2, "Receptionist", "something else")}
		require.ErrorIs(t, repo.CommitTurns(ctx, "s2", conflicting, domain.StatusActive, 1), ErrConflict)

		gap := []domain.Turn{turn(4, domain.StudentAuthor, "skipped")}
		require.ErrorIs(t, repo.CommitTurns(ctx, "s2", gap, domain.StatusActive, 1), ErrSequenceGap)

		// A rejected batch changes nothing.
		mixed := []domain.Turn{turn(3, domain.StudentAuthor, "ok"), turn(5, "Doctor", "gap")}
		require.ErrorIs(t, repo.CommitTurns(ctx, "s2", mixed, domain.StatusCompleted, 0), ErrSequenceGap)
		got, err = repo.GetSession(ctx, "s2")
		require.NoError(t, err)
		assert.Len(t, got.Turns, 2)
		assert.Equal(t, domain.StatusActive, got.Status)
		assert.Equal(t, 2, got.Remaining)
	})

	t.Run("workbench fields", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.CreateSession(ctx, testSession("s3", "clinic", "carol")))

		reqs := []domain.Requirement{{Text: "SMS reminders", Source: "Receptionist", Priority: "High", Category: "Functional"}}
		require.NoError(t, repo.SaveRequirements(ctx, "s3", reqs))
		neg := map[string]domain.Negotiation{"SMS reminders": {Status: domain.NegotiationAgreed}}
		require.NoError(t, repo.SaveNegotiationStatus(ctx, "s3", neg))

		got, err := repo.GetSession(ctx, "s3")
		require.NoError(t, err)
		assert.Equal(t, reqs, got.Requirements)
		assert.Equal(t, neg, got.NegotiationStatus)

		require.ErrorIs(t, repo.SaveRequirements(ctx, "nope", reqs), ErrNotFound)
	})

	t.Run("concurrent commits on distinct sessions", func(t *testing.T) {
		repo := newRepo(t)
		const n = 8
		for i := 0; i < n; i++ {
			require.NoError(t, repo.CreateSession(ctx, testSession(fmt.Sprintf("c%d", i), "clinic", "dave")))
		}
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("c%d", i)
				errs <- repo.CommitTurns(ctx, id, []domain.Turn{turn(1, domain.StudentAuthor, id)}, domain.StatusActive, 2)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	})

	require.NoError(t, newRepo(t).Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	runRepositoryContract(t, func(*testing.T) Repository { return NewMemory() })
}

func TestSQLiteStore(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository {
		repo, err := NewSQLite(filepath.Join(t.TempDir(), "reclass.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "reclass.db")

	repo, err := NewSQLite(path, nil)
	require.NoError(t, err)
	require.NoError(t, repo.SaveScenario(ctx, testScenario("clinic")))
	require.NoError(t, repo.CreateSession(ctx, testSession("s1", "clinic", "alice")))
	require.NoError(t, repo.AppendTurn(ctx, "s1", turn(1, domain.StudentAuthor, "hi")))
	require.NoError(t, repo.Close())

	repo, err = NewSQLite(path, nil)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	got, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "hi", got.Turns[0].Text)
	assert.Equal(t, domain.StyleConcise, got.ResponseStyle)
}

// TestRedisStore runs against a real server when REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	runRepositoryContract(t, func(t *testing.T) Repository {
		client := redis.NewClient(&redis.Options{Addr: addr})
		repo := NewRedis(client, time.Minute, nil)
		t.Cleanup(func() { _ = repo.Close() })
		return &prefixedRepo{Repository: repo, prefix: uuid.NewString() + "-"}
	})
}

// prefixedRepo namespaces ids so runs against a shared server do not collide.
type prefixedRepo struct {
	Repository
	prefix string
}

func (p *prefixedRepo) LoadScenario(ctx context.Context, id string) (*domain.Scenario, error) {
	sc, err := p.Repository.LoadScenario(ctx, p.prefix+id)
	if sc != nil {
		sc.ID = id
	}
	return sc, err
}

func (p *prefixedRepo) SaveScenario(ctx context.Context, sc *domain.Scenario) error {
	c := *sc
	c.ID = p.prefix + sc.ID
	err := p.Repository.SaveScenario(ctx, &c)
	sc.CreatedAt, sc.UpdatedAt = c.CreatedAt, c.UpdatedAt
	return err
}

func (p *prefixedRepo) ListScenarios(ctx context.Context) ([]*domain.Scenario, error) {
	all, err := p.Repository.ListScenarios(ctx)
	var out []*domain.Scenario
	for _, sc := range all {
		if len(sc.ID) > len(p.prefix) && sc.ID[:len(p.prefix)] == p.prefix {
			sc.ID = sc.ID[len(p.prefix):]
			out = append(out, sc)
		}
	}
	return out, err
}

func (p *prefixedRepo) DeleteScenario(ctx context.Context, id string) error {
	return p.Repository.DeleteScenario(ctx, p.prefix+id)
}

func (p *prefixedRepo) CreateSession(ctx context.Context, s *domain.Session) error {
	c := s.Clone()
	c.ID = p.prefix + s.ID
	c.StudentID = p.prefix + s.StudentID
	return p.Repository.CreateSession(ctx, c)
}

func (p *prefixedRepo) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s, err := p.Repository.GetSession(ctx, p.prefix+id)
	return p.strip(s), err
}

func (p *prefixedRepo) FindActiveSession(ctx context.Context, scenarioID, studentID string) (*domain.Session, error) {
	s, err := p.Repository.FindActiveSession(ctx, scenarioID, p.prefix+studentID)
	return p.strip(s), err
}

func (p *prefixedRepo) strip(s *domain.Session) *domain.Session {
	if s != nil {
		s.ID = s.ID[len(p.prefix):]
		s.StudentID = s.StudentID[len(p.prefix):]
	}
	return s
}

func (p *prefixedRepo) AppendTurn(ctx context.Context, id string, t domain.Turn) error {
	return p.Repository.AppendTurn(ctx, p.prefix+id, t)
}

func (p *prefixedRepo) UpdateSessionStatus(ctx context.Context, id string, st domain.Status, remaining int) error {
	return p.Repository.UpdateSessionStatus(ctx, p.prefix+id, st, remaining)
}

func (p *prefixedRepo) CommitTurns(ctx context.Context, id string, turns []domain.Turn, st domain.Status, remaining int) error {
	return p.Repository.CommitTurns(ctx, p.prefix+id, turns, st, remaining)
}

func (p *prefixedRepo) SaveRequirements(ctx context.Context, id string, reqs []domain.Requirement) error {
	return p.Repository.SaveRequirements(ctx, p.prefix+id, reqs)
}

func (p *prefixedRepo) SaveNegotiationStatus(ctx context.Context, id string, st map[string]domain.Negotiation) error {
	return p.Repository.SaveNegotiationStatus(ctx, p.prefix+id, st)
}

func TestOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	repo, err := Open(ctx, config.StoreConfig{Driver: config.StoreMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, repo)

	repo, err = Open(ctx, config.StoreConfig{Driver: config.StoreSQLite, DBPath: filepath.Join(t.TempDir(), "x.db")}, nil)
	require.NoError(t, err)
	assert.NoError(t, repo.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "mongo"}, nil)
	assert.Error(t, err)
}

func TestPlanTurns(t *testing.T) {
	t.Parallel()

	stored := []domain.Turn{turn(1, "student", "a"), turn(2, "X", "b")}
	lookup := func(seq int) (domain.Turn, bool) {
		if seq < 1 || seq > len(stored) {
			return domain.Turn{}, false
		}
		return stored[seq-1], true
	}

	fresh, err := planTurns(2, []domain.Turn{stored[1], turn(3, "student", "c")}, lookup)
	require.NoError(t, err)
	assert.Equal(t, []domain.Turn{turn(3, "student", "c")}, fresh)

	_, err = planTurns(2, []domain.Turn{turn(1, "student", "changed")}, lookup)
	assert.True(t, errors.Is(err, ErrConflict))

	_, err = planTurns(2, []domain.Turn{turn(4, "student", "d")}, lookup)
	assert.True(t, errors.Is(err, ErrSequenceGap))
}
