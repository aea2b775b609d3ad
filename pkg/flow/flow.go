package flow

import (
	"context"
	"time"

	"github.com/vettaio/vetta/pkg/agents"
	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/questiongen"
	"github.com/vettaio/vetta/pkg/rubric"
	"github.com/vettaio/vetta/pkg/scoring"
	"github.com/vettaio/vetta/pkg/session"
)

const hintExhaustedCore = "Give it a try—focus on your role, a key decision, and the outcome."

// Manager routes gated turns to decisions. It is stateless across sessions;
// all per-session data lives in the State it mutates.
type Manager struct {
	flow      config.FlowConfig
	interview config.InterviewConfig
	evaluator *agents.Evaluator
	hints     *agents.HintAgent
	styler    *agents.Styler
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a flow manager.
func NewManager(flowCfg config.FlowConfig, interviewCfg config.InterviewConfig, evaluator *agents.Evaluator, hints *agents.HintAgent, styler *agents.Styler, opts ...ManagerOption) *Manager {
	m := &Manager{
		flow:      flowCfg,
		interview: interviewCfg,
		evaluator: evaluator,
		hints:     hints,
		styler:    styler,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle routes one turn that the monitor already allowed. Routing
// priority: quick action, block runaway, intent, no open question, answer,
// fallback re-ask.
func (m *Manager) Handle(ctx context.Context, st *session.State) (*Decision, error) {
	m.ensureDefaults(st)

	if st.QuickAction != nil {
		action := st.QuickAction
		st.QuickAction = nil
		switch action.ID {
		case session.ActionRepeat:
			return m.finalize(st, m.reask(ctx, st)), nil
		case session.ActionHint:
			d, err := m.handleHint(ctx, st)
			if err != nil {
				return nil, err
			}
			return m.finalize(st, d), nil
		case session.ActionSkip:
			st.AppendEvent(session.Event{Type: "QUICK_ACTION", Decision: session.ActionSkip})
			return m.finalize(st, m.handleSkip(ctx, st, SkipReasonUser)), nil
		case session.ActionThink30:
			return m.finalize(st, m.pauseThink(st)), nil
		}
	}

	if st.BlocksInRow >= 3 {
		st.BlocksInRow = 0
		d := m.handleSkip(ctx, st, SkipReasonThreeBlocks)
		d.Type = DecisionAutoSkipMoved
		return m.finalize(st, d), nil
	}

	switch st.LatestIntent {
	case agents.IntentAskHint:
		d, err := m.handleHint(ctx, st)
		if err != nil {
			return nil, err
		}
		return m.finalize(st, d), nil

	case agents.IntentAskThink:
		return m.finalize(st, m.pauseThink(st)), nil

	case agents.IntentAskPause:
		text := m.style(ctx, "We can pause and resume when you're ready.", st.Persona, agents.PurposeRemind)
		return m.finalize(st, &Decision{Type: DecisionReask, Text: text}), nil

	case agents.IntentAskClarify:
		text := m.style(ctx, "Do you want me to focus on scope A or B? If different, name it briefly.", st.Persona, agents.PurposeClarify)
		return m.finalize(st, &Decision{Type: DecisionClarify, Text: text}), nil

	case agents.IntentOther:
		text := m.style(ctx, "Let's refocus on the current topic.", st.Persona, agents.PurposeRedirect)
		return m.finalize(st, &Decision{Type: DecisionReask, Text: text}), nil
	}

	if st.QuestionID == "" {
		return m.finalize(st, m.ask(ctx, st, 0)), nil
	}

	if st.UserMsg != "" {
		d, err := m.handleAnswer(ctx, st)
		if err != nil {
			return nil, err
		}
		return m.finalize(st, d), nil
	}

	return m.finalize(st, m.reask(ctx, st)), nil
}

// handleAnswer scores the reply and either asks the next follow-up or
// advances to the next item.
func (m *Manager) handleAnswer(ctx context.Context, st *session.State) (*Decision, error) {
	meta := st.QuestionMeta
	eval, _, err := m.evaluator.ScoreTurn(ctx, agents.EvalInput{
		CompetencyID:   meta.CompetencyID,
		ItemID:         meta.ItemID,
		FollowupIndex:  meta.FollowupIndex,
		QuestionText:   st.QuestionText,
		CandidateReply: st.UserMsg,
		Competency:     m.evalCompetency(st, meta.CompetencyID),
	})
	if err != nil {
		return nil, err
	}

	scoring.RecordEval(st, eval)
	st.LastEval = &eval
	m.observeEval(st, eval)
	st.AppendEvent(session.Event{
		Type:          "EVAL",
		QuestionID:    st.QuestionID,
		FollowupIndex: meta.FollowupIndex,
		Decision:      eval.Band,
	})

	if meta.FollowupIndex < m.flow.MaxFollowupsPerItem &&
		scoring.BestOf(st, meta.CompetencyID, meta.ItemID) < questiongen.HighSatisfied {
		d := m.ask(ctx, st, meta.FollowupIndex+1)
		d.Eval = &eval
		return d, nil
	}

	m.advanceItem(st)
	d := &Decision{Type: DecisionEvalAndAskNext, Eval: &eval, Moved: true}
	if st.Stage != session.StageComplete {
		if next := m.ask(ctx, st, 0); next.Question != nil {
			d.Question = next.Question
		}
	}
	return d, nil
}

// handleHint emits a hint, or the exhaustion nudge when the stage budget
// is spent. The counter does not advance on exhaustion.
func (m *Manager) handleHint(ctx context.Context, st *session.State) (*Decision, error) {
	if st.HintsUsedStage >= m.flow.HintsPerStage {
		text := m.style(ctx, hintExhaustedCore, st.Persona, agents.PurposeNudgeDepth)
		return &Decision{Type: DecisionHint, Text: text, Exhausted: true}, nil
	}

	hint, err := m.hints.Generate(ctx, st)
	if err != nil {
		return nil, err
	}
	st.HintsUsedStage++
	st.AppendEvent(session.Event{Type: "HINT", QuestionID: st.QuestionID})
	return &Decision{Type: DecisionHint, Text: hint}, nil
}

// handleSkip marks the current item skipped and asks the next base
// question.
func (m *Manager) handleSkip(ctx context.Context, st *session.State, reason string) *Decision {
	st.SkipStreak++
	meta := st.QuestionMeta
	itemID := meta.ItemID
	if itemID == "" {
		itemID = st.QuestionID
	}
	scoring.MarkSkip(st, meta.CompetencyID, itemID)

	m.advanceItem(st)

	d := &Decision{Type: DecisionSkipAndNext, Reason: reason}
	if st.Stage != session.StageComplete {
		if next := m.ask(ctx, st, 0); next.Question != nil {
			d.Question = next.Question
		}
	}
	if st.SkipStreak >= m.flow.NudgeAfterConsecutiveSkips {
		d.Nudge = true
	}
	return d
}

// pauseThink arms the passive think timer.
func (m *Manager) pauseThink(st *session.State) *Decision {
	until := m.now().Add(time.Duration(m.flow.ThinkSeconds) * time.Second).UTC()
	st.ThinkUntil = &until
	st.AppendEvent(session.Event{Type: "PAUSE_THINK", QuestionID: st.QuestionID})
	return &Decision{Type: DecisionPauseThink, Until: &until}
}

// ask generates and installs the question at the given follow-up index. A
// satisfied facet advances the item and retries once with the next base
// question.
func (m *Manager) ask(ctx context.Context, st *session.State, followupIndex int) *Decision {
	m.ensureDefaults(st)

	q := questiongen.Route(m.qgContext(st, followupIndex))
	if q == nil {
		m.advanceItem(st)
		if st.Stage == session.StageComplete {
			return &Decision{Type: DecisionAutoSkipMoved, Reason: SkipReasonFacetSatisfied}
		}
		m.ensureDefaults(st)
		q = questiongen.Route(m.qgContext(st, 0))
		if q == nil {
			return &Decision{Type: DecisionAutoSkipMoved, Reason: SkipReasonFacetSatisfied}
		}
	}

	st.QuestionText = q.Text
	st.QuestionID = q.Metadata.ItemID
	meta := q.Metadata
	st.QuestionMeta = &meta

	rendered := m.style(ctx, q.Text, st.Persona, agents.PurposeAskQuestion)
	st.AppendEvent(session.Event{
		Type:          "ASK_QUESTION",
		QuestionID:    st.QuestionID,
		FollowupIndex: meta.FollowupIndex,
	})

	return &Decision{Type: DecisionAsk, Question: &Question{Text: rendered, Metadata: &meta}}
}

// reask re-renders the open question without mutating progress.
func (m *Manager) reask(ctx context.Context, st *session.State) *Decision {
	rendered := m.style(ctx, st.QuestionText, st.Persona, agents.PurposeAskQuestion)
	d := &Decision{Type: DecisionReask}
	if rendered != "" {
		d.Question = &Question{Text: rendered, Metadata: st.QuestionMeta}
	}
	return d
}

// finalize absorbs the skip-streak nudge once a forward-moving decision
// lands.
func (m *Manager) finalize(st *session.State, d *Decision) *Decision {
	switch d.Type {
	case DecisionAsk, DecisionEvalAndAskNext, DecisionAutoSkipMoved:
		if st.SkipStreak >= m.flow.NudgeAfterConsecutiveSkips {
			st.SkipStreak = 0
		}
	}
	return d
}

func (m *Manager) qgContext(st *session.State, followupIndex int) questiongen.Context {
	meta := st.QuestionMeta
	return questiongen.Context{
		Stage:         st.Stage,
		CompetencyID:  meta.CompetencyID,
		ItemID:        meta.ItemID,
		FollowupIndex: followupIndex,
		FacetID:       meta.FacetID,
		FacetName:     meta.FacetName,
		FacetStatus: questiongen.FacetStatus{
			BestOfScore: scoring.BestOf(st, meta.CompetencyID, meta.ItemID),
		},
		Persona: st.Persona,
	}
}

// evalCompetency resolves the rubric competency scored for a question.
// Warmup and wrap-up answers score against the first rubric competency.
func (m *Manager) evalCompetency(st *session.State, competencyID string) *rubric.Competency {
	if st.Rubric == nil {
		return nil
	}
	if comp, ok := st.Rubric.Competency(competencyID); ok {
		return comp
	}
	if len(st.Rubric.Competencies) > 0 {
		return &st.Rubric.Competencies[0]
	}
	return nil
}

func (m *Manager) style(ctx context.Context, text, persona string, purpose agents.Purpose) string {
	if m.styler != nil {
		return m.styler.Apply(ctx, text, persona, purpose, 2)
	}
	return agents.ApplyPersona(text, persona, purpose, 2)
}
