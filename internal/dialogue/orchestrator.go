// Package dialogue runs the per-session turn cycle: budget checks, routing,
// persona completion and atomic persistence.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/reclassroom/reclass/internal/analysis"
	"github.com/reclassroom/reclass/internal/completion"
	"github.com/reclassroom/reclass/internal/domain"
	"github.com/reclassroom/reclass/internal/persona"
	"github.com/reclassroom/reclass/internal/routing"
	"github.com/reclassroom/reclass/internal/store"
)

// DefaultTemperature is the sampling temperature for persona replies.
const DefaultTemperature = 0.7

// Selector picks the responder for a student utterance.
type Selector interface {
	SelectResponder(ctx context.Context, transcript []domain.Turn, stakeholders []domain.Stakeholder, utterance string) routing.Decision
}

// Options configures an Orchestrator.
type Options struct {
	Store    store.Repository
	Gateway  completion.Gateway
	Router   Selector
	Analyzer *analysis.Analyzer
	// ContextWindow is stamped on new sessions; 0 means routing.DefaultContextWindow.
	ContextWindow     int
	CompletionTimeout time.Duration
	Temperature       float32
	Observers         []Observer
	Logger            *zap.Logger
	Now               func() time.Time
	NewID             func() string
}

// StartRequest starts a session.
type StartRequest struct {
	ScenarioID    string
	StudentID     string
	ResponseStyle domain.ResponseStyle
}

// SubmitResult is the committed outcome of one student submission.
type SubmitResult struct {
	Student   domain.Turn
	Reply     *domain.Turn
	Decision  routing.Decision
	Remaining int
	Status    domain.Status
}

// staged is a submission whose completion succeeded but whose commit has
// not been acknowledged.
type staged struct {
	turns     []domain.Turn
	status    domain.Status
	remaining int
	decision  routing.Decision
}

type pending struct {
	text   string
	staged *staged
}

// sessionState is guarded by mu, which Submit holds across the gateway
// call. snap is the last committed view, readable without waiting on mu.
type sessionState struct {
	mu       sync.Mutex
	session  *domain.Session
	scenario *domain.Scenario
	prompts  *persona.Cache
	pending  *pending

	snapMu sync.RWMutex
	snap   *domain.Session
}

func newSessionState(sess *domain.Session, sc *domain.Scenario, style domain.ResponseStyle) *sessionState {
	st := &sessionState{session: sess, scenario: sc, prompts: persona.NewCache(sc, style)}
	st.publish()
	return st
}

// publish records the current session as the committed view. Callers hold mu.
func (st *sessionState) publish() {
	c := st.session.Clone()
	st.snapMu.Lock()
	st.snap = c
	st.snapMu.Unlock()
}

func (st *sessionState) snapshot() *domain.Session {
	st.snapMu.RLock()
	defer st.snapMu.RUnlock()
	return st.snap.Clone()
}

// Orchestrator owns live session state. Each session is serialised by its
// own mutex; different sessions proceed in parallel.
type Orchestrator struct {
	repo        store.Repository
	gateway     completion.Gateway
	router      Selector
	analyzer    *analysis.Analyzer
	window      int
	timeout     time.Duration
	temperature float32
	observers   []Observer
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string

	mu       sync.Mutex
	sessions map[string]*sessionState
	loads    singleflight.Group
}

// New returns an orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		repo:        opts.Store,
		gateway:     opts.Gateway,
		router:      opts.Router,
		analyzer:    opts.Analyzer,
		window:      opts.ContextWindow,
		timeout:     opts.CompletionTimeout,
		temperature: opts.Temperature,
		observers:   opts.Observers,
		logger:      opts.Logger,
		now:         opts.Now,
		newID:       opts.NewID,
		sessions:    make(map[string]*sessionState),
	}
	if o.router == nil {
		o.router = routing.New(routing.Options{ContextWindow: o.window, Logger: o.logger})
	}
	if o.window <= 0 {
		o.window = routing.DefaultContextWindow
	}
	if o.temperature == 0 {
		o.temperature = DefaultTemperature
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o
}

// Start validates the scenario and creates an active session with a full
// budget and an empty transcript.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*domain.Session, error) {
	if strings.TrimSpace(req.StudentID) == "" {
		return nil, fmt.Errorf("%w: student id is required", ErrInvalidRequest)
	}
	if !req.ResponseStyle.Valid() {
		return nil, fmt.Errorf("%w: unknown response style %q", ErrInvalidRequest, req.ResponseStyle)
	}
	sc, err := o.repo.LoadScenario(ctx, req.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	style := req.ResponseStyle
	if style == "" {
		style = domain.StyleNormal
	}
	now := o.now()
	sess := &domain.Session{
		ID:                o.newID(),
		ScenarioID:        sc.ID,
		StudentID:         req.StudentID,
		InteractionLimit:  sc.InteractionLimit,
		Remaining:         sc.InteractionLimit,
		Status:            domain.StatusActive,
		ContextWindow:     o.window,
		ResponseStyle:     style,
		Requirements:      []domain.Requirement{},
		NegotiationStatus: map[string]domain.Negotiation{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := o.repo.CreateSession(ctx, sess); err != nil {
		return nil, &PersistenceFailure{Err: err}
	}

	st := newSessionState(sess.Clone(), sc, style)
	o.logger.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("scenario_id", sc.ID),
		zap.String("student_id", req.StudentID),
		zap.Int("interaction_limit", sc.InteractionLimit))
	// Emit while st is still private. A concurrent Resume may already have
	// loaded the stored record; that state wins.
	o.emit(st, Event{Type: EventSessionStarted})

	o.mu.Lock()
	if _, ok := o.sessions[sess.ID]; !ok {
		o.sessions[sess.ID] = st
	}
	o.mu.Unlock()
	return sess, nil
}

// Resume returns the student's active session for a scenario, or an error
// wrapping store.ErrNotFound.
func (o *Orchestrator) Resume(ctx context.Context, scenarioID, studentID string) (*domain.Session, error) {
	found, err := o.repo.FindActiveSession(ctx, scenarioID, studentID)
	if err != nil {
		return nil, err
	}
	st, err := o.state(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	sess := st.snapshot()
	if sess.Status != domain.StatusActive {
		return nil, fmt.Errorf("session %s: %w", found.ID, ErrSessionClosed)
	}
	return sess, nil
}

// Session returns the last committed snapshot of the session. It does not
// wait for a submission in flight.
func (o *Orchestrator) Session(ctx context.Context, id string) (*domain.Session, error) {
	st, err := o.state(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.snapshot(), nil
}

// Scenario returns the scenario bound to a session.
func (o *Orchestrator) Scenario(ctx context.Context, sessionID string) (*domain.Scenario, error) {
	st, err := o.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return st.scenario, nil
}

// Pending returns the uncommitted utterance of a session, if any.
func (o *Orchestrator) Pending(id string) (string, bool) {
	o.mu.Lock()
	st, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending == nil {
		return "", false
	}
	return st.pending.text, true
}

// state returns the live state of a session, loading it from the store on
// first use. Concurrent loads of the same id share one store read.
func (o *Orchestrator) state(ctx context.Context, id string) (*sessionState, error) {
	o.mu.Lock()
	st, ok := o.sessions[id]
	o.mu.Unlock()
	if ok {
		return st, nil
	}

	v, err, _ := o.loads.Do(id, func() (any, error) {
		o.mu.Lock()
		if st, ok := o.sessions[id]; ok {
			o.mu.Unlock()
			return st, nil
		}
		o.mu.Unlock()

		sess, err := o.repo.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sc, err := o.repo.LoadScenario(ctx, sess.ScenarioID)
		if err != nil {
			return nil, fmt.Errorf("load scenario of session %s: %w", id, err)
		}
		st := newSessionState(sess, sc, sess.ResponseStyle)

		o.mu.Lock()
		defer o.mu.Unlock()
		if existing, ok := o.sessions[id]; ok {
			return existing, nil
		}
		o.sessions[id] = st
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessionState), nil
}

// Submit runs one turn. Either both the student turn and its reply (or the
// student turn alone, for None and End decisions) are committed together
// with the new counter and status, or nothing is.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, text string) (*SubmitResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyUtterance
	}
	st, err := o.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	sess := st.session
	if sess.Status != domain.StatusActive || sess.Remaining <= 0 {
		return nil, fmt.Errorf("session %s is %s with %d remaining: %w", sess.ID, sess.Status, sess.Remaining, ErrSessionClosed)
	}

	if p := st.pending; p != nil && p.staged != nil {
		if p.text == text {
			o.logger.Info("re-persisting staged turn",
				zap.String("session_id", sess.ID), zap.Int("seq", p.staged.turns[0].Seq))
			return o.commit(ctx, st, p.staged)
		}
		if err := o.reconcile(ctx, st); err != nil {
			return nil, err
		}
		sess = st.session
		if sess.Status != domain.StatusActive || sess.Remaining <= 0 {
			return nil, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrSessionClosed)
		}
	}
	st.pending = &pending{text: text}

	student := domain.Turn{Seq: sess.NextSeq(), Author: domain.StudentAuthor, Text: text, Timestamp: o.now()}
	window := sess.RecentTurns(sess.ContextWindow)
	decision := o.router.SelectResponder(ctx, window, st.scenario.Stakeholders, text)

	next := &staged{
		turns:     []domain.Turn{student},
		status:    domain.StatusActive,
		remaining: sess.Remaining - 1,
		decision:  decision,
	}

	switch decision.Kind {
	case routing.End:
		next.status = domain.StatusCompleted
	case routing.Respond:
		reply, err := o.reply(ctx, st, window, decision.Responder, text, student.Seq+1)
		if err != nil {
			return nil, err
		}
		next.turns = append(next.turns, reply)
	}
	if next.remaining == 0 {
		next.status = domain.StatusCompleted
	}

	st.pending.staged = next
	return o.commit(ctx, st, next)
}

// reply calls the gateway once for the responder's persona.
func (o *Orchestrator) reply(ctx context.Context, st *sessionState, window []domain.Turn, responder, text string, seq int) (domain.Turn, error) {
	prompt, ok := st.prompts.Prompt(responder)
	if !ok {
		// Routers only name declared stakeholders; fall back to the first one.
		responder = st.scenario.Stakeholders[0].Role
		prompt, _ = st.prompts.Prompt(responder)
	}

	history := make([]completion.Message, 0, len(window))
	for _, t := range window {
		history = append(history, completion.Message{Author: t.Author, Text: t.Text, User: t.IsStudent()})
	}

	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	out, err := o.gateway.Complete(callCtx, completion.Request{
		SystemPrompt: prompt,
		History:      history,
		Input:        text,
		Timeout:      o.timeout,
		Temperature:  o.temperature,
	})
	if err != nil {
		kind := completion.KindOf(err)
		if kind == 0 {
			kind = completion.Transport
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				kind = completion.Timeout
			}
		}
		o.logger.Warn("persona completion failed",
			zap.String("session_id", st.session.ID),
			zap.String("responder", responder),
			zap.Stringer("kind", kind),
			zap.Error(err))
		return domain.Turn{}, &CompletionFailure{Kind: kind, Err: err}
	}
	return domain.Turn{Seq: seq, Author: responder, Text: out, Timestamp: o.now()}, nil
}

// commit persists a staged submission and applies it to the live state.
func (o *Orchestrator) commit(ctx context.Context, st *sessionState, s *staged) (*SubmitResult, error) {
	sess := st.session
	err := o.repo.CommitTurns(ctx, sess.ID, s.turns, s.status, s.remaining)
	if err != nil {
		return nil, o.persistFailed(ctx, st, err)
	}

	sess.Turns = append(sess.Turns, s.turns...)
	sess.Remaining = s.remaining
	prevStatus := sess.Status
	sess.Status = s.status
	sess.UpdatedAt = o.now()
	st.pending = nil
	st.publish()

	res := &SubmitResult{
		Student:   s.turns[0],
		Decision:  s.decision,
		Remaining: s.remaining,
		Status:    s.status,
	}
	if len(s.turns) > 1 {
		reply := s.turns[1]
		res.Reply = &reply
	}

	o.logger.Info("turn committed",
		zap.String("session_id", sess.ID),
		zap.Int("seq", s.turns[0].Seq),
		zap.Stringer("decision", s.decision.Kind),
		zap.String("responder", s.decision.Responder),
		zap.String("rule", s.decision.Rule),
		zap.Int("remaining", s.remaining))

	o.emit(st, Event{
		Type:      EventTurnsCommitted,
		Turns:     append([]domain.Turn(nil), s.turns...),
		Responder: s.decision.Responder,
		Rule:      s.decision.Rule,
	})
	if s.status != prevStatus {
		o.emit(st, Event{Type: EventStatusChanged, Reason: statusReason(s)})
		o.forget(sess.ID)
	}
	return res, nil
}

func statusReason(s *staged) string {
	if s.decision.Kind == routing.End {
		return "student ended the session"
	}
	return "interaction limit reached"
}

// persistFailed classifies a commit error. A missing session record cannot
// be retried and abandons the session; a conflicting transcript reloads the
// stored state; anything else keeps the staged turns for a retry.
func (o *Orchestrator) persistFailed(ctx context.Context, st *sessionState, err error) error {
	sess := st.session
	log := o.logger.With(zap.String("session_id", sess.ID), zap.Error(err))

	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Error("session record missing; abandoning")
		st.pending = nil
		sess.Status = domain.StatusAbandoned
		sess.UpdatedAt = o.now()
		st.publish()
		o.emit(st, Event{Type: EventStatusChanged, Reason: "session record missing"})
		o.forget(sess.ID)
		return &PersistenceFailure{Err: err, Abandoned: true}
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrSequenceGap):
		log.Warn("stored transcript diverged; reloading")
		st.pending = nil
		if rerr := o.reload(ctx, st); rerr != nil {
			log.Warn("reload after conflict failed", zap.NamedError("reload_error", rerr))
		}
		return &PersistenceFailure{Err: err}
	default:
		log.Warn("commit failed; turn kept pending")
		return &PersistenceFailure{Err: err}
	}
}

// reconcile resolves a staged submission when the student moves on to a
// different utterance. If the staged turns reached the store despite the
// reported failure, the stored state is adopted; otherwise they are dropped.
func (o *Orchestrator) reconcile(ctx context.Context, st *sessionState) error {
	if err := o.reload(ctx, st); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.persistFailed(ctx, st, err)
		}
		return &PersistenceFailure{Err: err}
	}
	st.pending = nil
	return nil
}

func (o *Orchestrator) reload(ctx context.Context, st *sessionState) error {
	stored, err := o.repo.GetSession(ctx, st.session.ID)
	if err != nil {
		return err
	}
	if len(stored.Turns) > len(st.session.Turns) {
		o.logger.Info("adopting stored transcript",
			zap.String("session_id", stored.ID),
			zap.Int("stored_turns", len(stored.Turns)),
			zap.Int("live_turns", len(st.session.Turns)))
	}
	st.session = stored
	st.publish()
	return nil
}

// End completes an active session regardless of the remaining budget.
func (o *Orchestrator) End(ctx context.Context, sessionID string) (*domain.Session, error) {
	return o.transition(ctx, sessionID, domain.StatusCompleted, "ended by request")
}

// Abandon moves an active session to abandoned.
func (o *Orchestrator) Abandon(ctx context.Context, sessionID, reason string) (*domain.Session, error) {
	return o.transition(ctx, sessionID, domain.StatusAbandoned, reason)
}

func (o *Orchestrator) transition(ctx context.Context, sessionID string, to domain.Status, reason string) (*domain.Session, error) {
	st, err := o.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	sess := st.session
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrSessionClosed)
	}
	// A staged commit may have landed without an acknowledgement; the
	// stored counter and transcript must be settled before the status moves.
	if p := st.pending; p != nil && p.staged != nil {
		if err := o.reconcile(ctx, st); err != nil {
			return nil, err
		}
		sess = st.session
		if sess.Status.Terminal() {
			return nil, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrSessionClosed)
		}
	}
	if err := o.repo.UpdateSessionStatus(ctx, sess.ID, to, sess.Remaining); err != nil {
		return nil, o.persistFailed(ctx, st, err)
	}
	sess.Status = to
	sess.UpdatedAt = o.now()
	st.pending = nil
	st.publish()

	o.logger.Info("session status changed",
		zap.String("session_id", sess.ID),
		zap.String("status", string(to)),
		zap.String("reason", reason))
	o.emit(st, Event{Type: EventStatusChanged, Reason: reason})
	o.forget(sess.ID)
	return sess.Clone(), nil
}

// AddRequirement records a requirement the student elicited.
func (o *Orchestrator) AddRequirement(ctx context.Context, sessionID string, req domain.Requirement) (*domain.Session, error) {
	st, err := o.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	sess := st.session
	req, err = analysis.NormalizeRequirement(req, st.scenario, sess.Requirements)
	if err != nil {
		return nil, err
	}
	reqs := append(append([]domain.Requirement(nil), sess.Requirements...), req)
	if err := o.repo.SaveRequirements(ctx, sess.ID, reqs); err != nil {
		return nil, &PersistenceFailure{Err: err}
	}
	sess.Requirements = reqs
	sess.UpdatedAt = o.now()
	st.publish()
	return sess.Clone(), nil
}

// AnalyzeRequirements runs conflict analysis and stores the result. On
// failure the previous negotiation status is kept.
func (o *Orchestrator) AnalyzeRequirements(ctx context.Context, sessionID string) (map[string]domain.Negotiation, error) {
	if o.analyzer == nil {
		return nil, errors.New("conflict analysis is not configured")
	}
	st, err := o.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	sess := st.session
	result, err := o.analyzer.Analyze(ctx, st.scenario, sess.Requirements, sess.NegotiationStatus)
	if err != nil {
		return nil, &CompletionFailure{Kind: completion.KindOf(err), Err: err}
	}
	if err := o.repo.SaveNegotiationStatus(ctx, sess.ID, result); err != nil {
		return nil, &PersistenceFailure{Err: err}
	}
	sess.NegotiationStatus = result
	sess.UpdatedAt = o.now()
	st.publish()
	return sess.Clone().NegotiationStatus, nil
}

// forget drops terminal sessions from the live map; later reads reload them
// from the store.
func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.sessions, id)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(st *sessionState, e Event) {
	sess := st.session
	e.SessionID = sess.ID
	e.ScenarioID = sess.ScenarioID
	e.StudentID = sess.StudentID
	e.Status = sess.Status
	e.Remaining = sess.Remaining
	if e.Time.IsZero() {
		e.Time = o.now()
	}
	for _, obs := range o.observers {
		obs.Observe(e)
	}
}
