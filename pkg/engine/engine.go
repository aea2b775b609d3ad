// Package engine is the turn controller: it owns the per-session
// load-pipeline-checkpoint cycle and composes the monitor, intent
// classifier, and flow manager into one decision per turn.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vettaio/vetta/pkg/agents"
	"github.com/vettaio/vetta/pkg/analytics"
	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/flow"
	"github.com/vettaio/vetta/pkg/observability"
	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/rubric"
	"github.com/vettaio/vetta/pkg/safety"
	"github.com/vettaio/vetta/pkg/scoring"
	"github.com/vettaio/vetta/pkg/session"
)

var (
	// ErrSessionExpired is returned when a session's TTL elapsed; the
	// checkpoint is deleted as a side effect.
	ErrSessionExpired = errors.New("session expired")

	// ErrValidation is returned for structurally bad requests.
	ErrValidation = errors.New("invalid request")
)

// Telemetry is the append-only analytics surface the engine writes to.
// All writes are best effort.
type Telemetry interface {
	agents.FlagSink
	InsertQuickAction(ctx context.Context, rec analytics.QuickActionRecord) error
	InsertScore(ctx context.Context, rec analytics.ScoreRecord) error
	InsertCompetencySummary(ctx context.Context, sessionID string, summary scoring.CompetencySummary) error
	InsertOverallSummary(ctx context.Context, sessionID string, summary scoring.OverallSummary) error
}

// Engine orchestrates interview sessions.
type Engine struct {
	store   *session.Store
	oracles *oracle.Registry
	rules   *safety.Engine
	cosine  agents.CosineFunc
	sink    Telemetry
	metrics *observability.Metrics

	// tn holds the config-derived agents; ApplyConfig swaps it wholesale
	// so in-flight turns keep the tuning they started with.
	mu sync.RWMutex
	tn *tuning

	now   func() time.Time
	newID func() string
}

// tuning is the reloadable slice of the engine: the config plus every
// agent built from it.
type tuning struct {
	cfg     *config.Config
	monitor *agents.Monitor
	intents *agents.IntentClassifier
	fm      *flow.Manager
	styler  *agents.Styler
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides session id generation (used in tests).
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.newID = gen
	}
}

// New wires the engine from its dependencies. The telemetry sink and
// metrics may be nil; the cosine provider may be nil to use the static
// default.
func New(cfg *config.Config, store *session.Store, oracles *oracle.Registry, rules *safety.Engine, sink Telemetry, metrics *observability.Metrics, cosine agents.CosineFunc, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		oracles: oracles,
		rules:   rules,
		cosine:  cosine,
		sink:    sink,
		metrics: metrics,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.tn = e.buildTuning(cfg)
	return e
}

func (e *Engine) buildTuning(cfg *config.Config) *tuning {
	styler := agents.NewStyler(e.oracles.Polish)

	var flags agents.FlagSink
	if e.sink != nil {
		flags = e.sink
	}
	evaluator := agents.NewEvaluator(e.oracles.Evaluator, cfg.Flow.LowContentTokens)
	hints := agents.NewHintAgent(e.oracles.Hint, styler)

	return &tuning{
		cfg:     cfg,
		monitor: agents.NewMonitor(e.oracles.Monitor, e.rules, flags, cfg.Flow, e.cosine),
		intents: agents.NewIntentClassifier(e.oracles.Intent, cfg.Flow.LowContentTokens),
		styler:  styler,
		fm: flow.NewManager(cfg.Flow, cfg.Interview, evaluator, hints, styler,
			flow.WithClock(func() time.Time { return e.now() })),
	}
}

// ApplyConfig swaps the flow and interview tuning used by subsequent
// turns. Server, oracle, checkpoint, and analytics changes still require
// a restart.
func (e *Engine) ApplyConfig(next *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()

	merged := *e.tn.cfg
	merged.Flow = next.Flow
	merged.Interview = next.Interview
	e.tn = e.buildTuning(&merged)
}

func (e *Engine) current() *tuning {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tn
}

// StartRequest creates a new session.
type StartRequest struct {
	InterviewID string         `json:"interview_id"`
	CandidateID string         `json:"candidate_id"`
	Persona     string         `json:"persona,omitempty"`
	Rubric      *rubric.Rubric `json:"rubric,omitempty"`
}

// TurnRequest advances an existing session by one turn.
type TurnRequest struct {
	SessionID   string               `json:"-"`
	UserMsg     *string              `json:"user_msg,omitempty"`
	QuickAction *session.QuickAction `json:"quick_action,omitempty"`
	ClientTS    string               `json:"client_ts,omitempty"`
}

// Start creates a session in the warmup stage and runs its first turn,
// which asks the warm-up base question.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Response, error) {
	if req.InterviewID == "" || req.CandidateID == "" {
		return nil, fmt.Errorf("%w: interview_id and candidate_id are required", ErrValidation)
	}
	persona := req.Persona
	switch persona {
	case "", session.PersonaFriendly, session.PersonaFirm:
	default:
		return nil, fmt.Errorf("%w: unknown persona %q", ErrValidation, persona)
	}
	tn := e.current()
	if persona == "" {
		persona = tn.cfg.Interview.DefaultPersona
	}

	sessionID := e.newID()
	unlock := e.store.Lock(sessionID)
	defer unlock()

	st := session.New(sessionID, req.InterviewID, req.CandidateID, persona, req.Rubric)

	started := e.now()
	result, err := e.runPipeline(ctx, tn, st, nil)
	if err != nil {
		return nil, err
	}

	if _, err := e.store.Save(st); err != nil {
		return nil, err
	}
	e.recordTurn(ctx, st, result.decision, started)
	return e.assemble(tn, st, result), nil
}

// Turn runs one gated turn for an existing session.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (*Response, error) {
	tn := e.current()
	unlock := e.store.Lock(req.SessionID)
	defer unlock()

	st, err := e.store.Load(req.SessionID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if ttl := tn.cfg.Interview.SessionTTL; ttl > 0 && now.Sub(st.UpdatedAt) > ttl {
		if err := e.store.Delete(req.SessionID); err != nil {
			slog.Warn("Failed to delete expired session", "session_id", req.SessionID, "error", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, req.SessionID)
	}

	// Expired think timer short-circuits the pipeline with a resume.
	if st.ThinkUntil != nil && !now.Before(*st.ThinkUntil) {
		resume := agents.Resume(st, agents.ReasonThinkExpired, st.Persona, "")
		st.AppendEvent(session.Event{Type: "RESUME", Node: string(agents.ReasonThinkExpired)})
		if _, err := e.store.Save(st); err != nil {
			return nil, err
		}
		return e.assemble(tn, st, &pipelineResult{
			msgs: []UIMessage{{Role: RoleAssistant, Text: resume.ResumeLine}},
			decision: &flow.Decision{
				Type:     flow.DecisionReask,
				Question: &flow.Question{Text: resume.QuestionText, Metadata: resume.Metadata},
			},
		}), nil
	}

	st.ClientTS = req.ClientTS
	userPtr := e.mergeInputs(st, req)

	started := now
	result, err := e.runPipeline(ctx, tn, st, userPtr)
	if err != nil {
		return nil, err
	}

	if req.QuickAction != nil {
		e.logQuickAction(ctx, st, req.QuickAction.ID, analytics.SourceClient, started)
	}

	// A quick-action turn can leave a previously queued answer behind;
	// it drains now as a second pipeline run (quick action first, answer
	// second).
	if hadNoUserMsg(req) && st.QueuedUserMsg != "" {
		queued := st.QueuedUserMsg
		st.QueuedUserMsg = ""
		st.UserMsg = queued

		second, err := e.runPipeline(ctx, tn, st, &queued)
		if err != nil {
			return nil, err
		}
		second.msgs = append(result.msgs, second.msgs...)
		result = second
	}

	if _, err := e.store.Save(st); err != nil {
		return nil, err
	}
	e.recordTurn(ctx, st, result.decision, started)
	return e.assemble(tn, st, result), nil
}

// Get returns the current session snapshot without running a turn.
func (e *Engine) Get(ctx context.Context, sessionID string) (*session.State, error) {
	unlock := e.store.Lock(sessionID)
	defer unlock()

	st, err := e.store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if ttl := e.current().cfg.Interview.SessionTTL; ttl > 0 && e.now().Sub(st.UpdatedAt) > ttl {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	}
	return st, nil
}

// Finish writes the final summaries and closes the session.
func (e *Engine) Finish(ctx context.Context, sessionID string) (*Response, error) {
	tn := e.current()
	unlock := e.store.Lock(sessionID)
	defer unlock()

	st, err := e.store.Load(sessionID)
	if err != nil {
		return nil, err
	}

	if e.sink != nil {
		for competencyID := range st.Scores {
			summary := scoring.FinalizeCompetency(st, competencyID)
			if err := e.sink.InsertCompetencySummary(ctx, sessionID, summary); err != nil {
				slog.Warn("Failed to write competency summary", "session_id", sessionID, "competency_id", competencyID, "error", err)
			}
		}
		overall := scoring.FinalizeOverall(st)
		if err := e.sink.InsertOverallSummary(ctx, sessionID, overall); err != nil {
			slog.Warn("Failed to write overall summary", "session_id", sessionID, "error", err)
		}
	}

	st.Stage = session.StageComplete
	st.AppendEvent(session.Event{Type: "FINISH"})
	if _, err := e.store.Save(st); err != nil {
		return nil, err
	}

	closing := tn.styler.Apply(ctx,
		"Thank you for walking me through your experience; we'll share feedback soon.",
		st.Persona, agents.PurposeWrapup, 2)

	return e.assemble(tn, st, &pipelineResult{
		label: "COMPLETE",
		msgs:  []UIMessage{{Role: RoleAssistant, Text: closing}},
	}), nil
}

// mergeInputs applies the request inputs to the state and returns the
// message pointer the monitor should see. With both a message and a quick
// action, the action runs now and the message is queued; with no new
// input, a previously queued message drains first.
func (e *Engine) mergeInputs(st *session.State, req TurnRequest) *string {
	st.UserMsg = ""
	st.LatestIntent = ""

	if req.QuickAction != nil {
		st.QuickAction = req.QuickAction
		if req.UserMsg != nil && strings.TrimSpace(*req.UserMsg) != "" {
			st.QueuedUserMsg = *req.UserMsg
		}
		return nil
	}

	if req.UserMsg != nil {
		st.UserMsg = *req.UserMsg
		return req.UserMsg
	}

	if st.QueuedUserMsg != "" {
		msg := st.QueuedUserMsg
		st.QueuedUserMsg = ""
		st.UserMsg = msg
		return &msg
	}

	return nil
}

func hadNoUserMsg(req TurnRequest) bool {
	return req.UserMsg == nil || strings.TrimSpace(*req.UserMsg) == ""
}

// pipelineResult is one pipeline run's contribution to the response.
type pipelineResult struct {
	decision *flow.Decision
	msgs     []UIMessage

	// label and palette override the decision-derived values when the
	// monitor short-circuited the run.
	label   string
	palette []string
}

// runPipeline executes monitor, intent, and flow for one input. A
// non-ALLOW monitor outcome short-circuits, except that a third
// consecutive block falls through so the flow can auto-skip.
func (e *Engine) runPipeline(ctx context.Context, tn *tuning, st *session.State, userMsg *string) (*pipelineResult, error) {
	st.TurnIndex++

	mon, err := tn.monitor.Run(ctx, agents.MonitorInput{
		InterviewID:    st.InterviewID,
		CandidateID:    st.CandidateID,
		SessionID:      st.SessionID,
		Stage:          st.Stage,
		QuestionID:     st.QuestionID,
		QuestionText:   st.QuestionText,
		UserMsg:        userMsg,
		SkipStreak:     st.SkipStreak,
		BlocksInRow:    st.BlocksInRow,
		HintsUsedStage: st.HintsUsedStage,
	}, st.Persona)
	if err != nil {
		return nil, err
	}

	var msgs []UIMessage

	if !mon.Proceed {
		st.AppendEvent(session.Event{Type: "MONITOR", Decision: mon.Action, QuestionID: st.QuestionID})
		if mon.SafeReply != "" {
			msgs = append(msgs, UIMessage{Role: RoleAssistant, Text: mon.SafeReply})
		}

		if mon.Action == agents.MonitorBlockAndRefocus {
			st.BlocksInRow++
			if st.BlocksInRow >= 3 {
				// The blocked message never reaches the evaluator.
				st.UserMsg = ""
				st.LatestIntent = ""
				st.QuickAction = nil
				decision, err := tn.fm.Handle(ctx, st)
				if err != nil {
					return nil, err
				}
				return &pipelineResult{decision: decision, msgs: msgs}, nil
			}
		}

		// The open question stands; only the safe reply and the
		// monitor's palette reach the client.
		var question *flow.Question
		if st.QuestionText != "" {
			question = &flow.Question{Text: st.QuestionText, Metadata: st.QuestionMeta}
		}
		return &pipelineResult{
			decision: &flow.Decision{Type: flow.DecisionReask, Question: question},
			msgs:     msgs,
			label:    mon.Action,
			palette:  mon.QuickActions,
		}, nil
	}

	st.BlocksInRow = 0

	if userMsg != nil && strings.TrimSpace(*userMsg) != "" {
		intent, err := tn.intents.Classify(ctx, st.Stage, st.QuestionText, *userMsg)
		if err != nil {
			return nil, err
		}
		st.LatestIntent = intent.Intent
		if intent.Intent == agents.IntentAskHint || intent.Intent == agents.IntentAskThink {
			e.logQuickAction(ctx, st, intentActionID(intent.Intent), analytics.SourceIntent, e.now())
		}
	}

	decision, err := tn.fm.Handle(ctx, st)
	if err != nil {
		return nil, err
	}

	if decision.Eval != nil && e.sink != nil {
		eval := decision.Eval
		if err := e.sink.InsertScore(ctx, analytics.ScoreRecord{
			SessionID:    st.SessionID,
			CompetencyID: eval.CompetencyID,
			ItemID:       eval.ItemID,
			TurnIndex:    eval.TurnIndex,
			Overall:      eval.Overall,
			BestOf:       scoring.BestOf(st, eval.CompetencyID, eval.ItemID),
			Band:         eval.Band,
			Notes:        eval.Notes,
		}); err != nil {
			slog.Warn("Failed to write score row", "session_id", st.SessionID, "error", err)
		}
	}

	if decision.Text != "" {
		msgs = append(msgs, UIMessage{Role: RoleAssistant, Text: decision.Text})
	}
	return &pipelineResult{decision: decision, msgs: msgs}, nil
}

func intentActionID(intent string) string {
	if intent == agents.IntentAskThink {
		return session.ActionThink30
	}
	return session.ActionHint
}

func (e *Engine) logQuickAction(ctx context.Context, st *session.State, actionID, source string, started time.Time) {
	if e.sink == nil {
		return
	}
	rec := analytics.QuickActionRecord{
		InterviewID: st.InterviewID,
		CandidateID: st.CandidateID,
		SessionID:   st.SessionID,
		Stage:       string(st.Stage),
		QuestionID:  st.QuestionID,
		ActionID:    actionID,
		Source:      source,
		LatencyMS:   e.now().Sub(started).Milliseconds(),
	}
	if err := e.sink.InsertQuickAction(ctx, rec); err != nil {
		slog.Warn("Failed to write quick action", "session_id", st.SessionID, "action_id", actionID, "error", err)
	}
}

func (e *Engine) recordTurn(ctx context.Context, st *session.State, decision *flow.Decision, started time.Time) {
	decisionType := ""
	if decision != nil {
		decisionType = string(decision.Type)
	}
	e.metrics.RecordTurn(ctx, e.now().Sub(started), decisionType)
	st.AppendEvent(session.Event{
		Type:      "TURN",
		Decision:  decisionType,
		LatencyMS: e.now().Sub(started).Milliseconds(),
	})
}

// assemble builds the response envelope from the final pipeline result.
func (e *Engine) assemble(tn *tuning, st *session.State, result *pipelineResult) *Response {
	live := scoring.Live(st)
	resp := &Response{
		SessionID:  st.SessionID,
		StateRef:   st.SessionID,
		UIMessages: result.msgs,
		LiveScores: &live,
		EventLog:   st.Events,
		UIState: UIState{
			SkipStreak:     st.SkipStreak,
			HintsUsedStage: st.HintsUsedStage,
			HintsCap:       tn.cfg.Flow.HintsPerStage,
		},
	}
	if resp.UIMessages == nil {
		resp.UIMessages = []UIMessage{}
	}

	if result.decision != nil {
		resp.Decision = string(result.decision.Type)
		resp.Question = result.decision.Question
		resp.QuickActions = flow.Palette(result.decision.Type, st.SkipStreak)
	}
	if result.label != "" {
		resp.Decision = result.label
	}
	if result.palette != nil {
		resp.QuickActions = result.palette
	}
	if resp.QuickActions == nil {
		resp.QuickActions = []string{}
	}
	return resp
}
