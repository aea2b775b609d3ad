package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vettaio/vetta/pkg/agents"
	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/httpclient"
	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/session"
)

const answerReply = "I led the redesign of our checkout flow, chose a queue-backed boundary over " +
	"synchronous calls, and verified the decision with a month of latency data."

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// evalStub serves fixed criterion scores in the evaluator wire shape.
func evalStub(t *testing.T, scores map[string]int) *agents.Evaluator {
	t.Helper()
	var wire []map[string]any
	for id, score := range scores {
		wire = append(wire, map[string]any{"id": id, "score": score})
	}
	body, err := json.Marshal(map[string]any{"criterion_scores": wire})
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": string(body)}},
			},
		})
	}))
	t.Cleanup(server.Close)

	cfg := &config.OracleConfig{Endpoint: server.URL, Model: "test-model"}
	client := oracle.NewClient("evaluator", cfg, oracle.WithHTTPClient(httpclient.New(
		httpclient.WithMaxRetries(0),
		httpclient.WithBaseDelay(time.Millisecond),
	)))
	return agents.NewEvaluator(client, 12)
}

func testManager(t *testing.T, scores map[string]int) *Manager {
	t.Helper()
	flowCfg := config.FlowConfig{}
	flowCfg.SetDefaults()
	interviewCfg := config.InterviewConfig{}
	interviewCfg.SetDefaults()

	var evaluator *agents.Evaluator
	if scores != nil {
		evaluator = evalStub(t, scores)
	} else {
		evaluator = agents.NewEvaluator(nil, flowCfg.LowContentTokens)
	}

	return NewManager(flowCfg, interviewCfg, evaluator, agents.NewHintAgent(nil, nil),
		nil, WithClock(func() time.Time { return fixedNow }))
}

func newState() *session.State {
	return session.New("sess", "iv", "cand", session.PersonaFriendly, nil)
}

func TestHandle_FirstTurnAsksWarmup(t *testing.T) {
	m := testManager(t, nil)
	st := newState()

	d, err := m.Handle(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, DecisionAsk, d.Type)
	require.NotNil(t, d.Question)
	assert.Contains(t, d.Question.Text, "problem were you solving")
	assert.Equal(t, 0, d.Question.Metadata.FollowupIndex)
	assert.Equal(t, "WU_01", st.QuestionID)
	assert.Equal(t, session.StageWarmup, st.Stage)
}

func TestHandle_MidScoreAnswerGetsFollowup(t *testing.T) {
	// 4+4+3 over three unit weights rounds to 3.7, below the satisfied cut.
	m := testManager(t, map[string]int{"decomposition": 4, "tradeoffs": 4, "evidence": 3})
	st := newState()
	_, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	st.UserMsg = answerReply
	d, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, DecisionAsk, d.Type)
	require.NotNil(t, d.Eval)
	assert.Equal(t, 3.7, d.Eval.Overall)
	require.NotNil(t, d.Question)
	assert.Equal(t, 1, d.Question.Metadata.FollowupIndex)
	assert.Equal(t, session.StageWarmup, st.Stage)
}

func TestHandle_SatisfiedAnswerMovesOn(t *testing.T) {
	m := testManager(t, map[string]int{"decomposition": 4, "tradeoffs": 4, "evidence": 4})
	st := newState()
	_, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	st.UserMsg = answerReply
	d, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, DecisionEvalAndAskNext, d.Type)
	assert.True(t, d.Moved)
	require.NotNil(t, d.Eval)
	assert.Equal(t, 4.0, d.Eval.Overall)

	// One warmup question configured, so the stage machine moved on and the
	// next base question comes from the first rubric competency.
	assert.Equal(t, session.StageCompetency, st.Stage)
	require.NotNil(t, d.Question)
	assert.Equal(t, "ARCH_01", d.Question.Metadata.ItemID)
	assert.Equal(t, 0, d.Question.Metadata.FollowupIndex)
}

func TestHandle_QuickSkipAdvances(t *testing.T) {
	m := testManager(t, nil)
	st := newState()
	_, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	st.QuickAction = &session.QuickAction{ID: session.ActionSkip}
	d, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, DecisionSkipAndNext, d.Type)
	assert.Equal(t, SkipReasonUser, d.Reason)
	assert.False(t, d.Nudge)
	assert.Equal(t, 1, st.SkipStreak)
	assert.Equal(t, 1, st.Scores["WARMUP"].SkippedCount)
	assert.Nil(t, st.QuickAction)
}

func TestHandle_SkipStreakNudgesAndDegradesPalette(t *testing.T) {
	m := testManager(t, nil)
	st := newState()
	_, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	var d *Decision
	for i := 0; i < 3; i++ {
		st.QuickAction = &session.QuickAction{ID: session.ActionSkip}
		d, err = m.Handle(context.Background(), st)
		require.NoError(t, err)
	}

	assert.True(t, d.Nudge)
	assert.Equal(t, 3, st.SkipStreak)
	assert.Equal(t, []string{session.ActionHint, session.ActionThink30}, Palette(d.Type, st.SkipStreak))
}

func TestHandle_ThreeBlocksAutoSkips(t *testing.T) {
	m := testManager(t, nil)
	st := newState()
	_, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	st.BlocksInRow = 3
	d, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, DecisionAutoSkipMoved, d.Type)
	assert.Equal(t, SkipReasonThreeBlocks, d.Reason)
	assert.Equal(t, 0, st.BlocksInRow)
}

func TestHandle_HintBudgetAndExhaustion(t *testing.T) {
	m := testManager(t, nil)
	st := newState()
	_, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		st.QuickAction = &session.QuickAction{ID: session.ActionHint}
		d, err := m.Handle(context.Background(), st)
		require.NoError(t, err)
		assert.Equal(t, DecisionHint, d.Type)
		assert.False(t, d.Exhausted)
		assert.Equal(t, want, st.HintsUsedStage)
	}

	// The third request hits the cap: nudge wording, counter unchanged.
	st.QuickAction = &session.QuickAction{ID: session.ActionHint}
	d, err := m.Handle(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, DecisionHint, d.Type)
	assert.True(t, d.Exhausted)
	// The friendly nudge template replaces the core wording outright.
	assert.Equal(t, "That's a start—could you add your role, a key decision, and the outcome?", d.Text)
	assert.Equal(t, 2, st.HintsUsedStage)
}

func TestHandle_Think30ArmsTimer(t *testing.T) {
	m := testManager(t, nil)
	st := newState()
	_, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	st.QuickAction = &session.QuickAction{ID: session.ActionThink30}
	d, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, DecisionPauseThink, d.Type)
	require.NotNil(t, d.Until)
	assert.Equal(t, fixedNow.Add(30*time.Second), *d.Until)
	require.NotNil(t, st.ThinkUntil)
}

func TestHandle_RepeatReasksSameQuestion(t *testing.T) {
	m := testManager(t, nil)
	st := newState()
	first, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	st.QuickAction = &session.QuickAction{ID: session.ActionRepeat}
	d, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, DecisionReask, d.Type)
	require.NotNil(t, d.Question)
	assert.Equal(t, first.Question.Text, d.Question.Text)
	assert.Equal(t, "WU_01", st.QuestionID)
}

func TestHandle_IntentRouting(t *testing.T) {
	m := testManager(t, nil)

	cases := []struct {
		intent   string
		wantType DecisionType
		wantText string
	}{
		// The friendly remind template carries no core slot, so the pause
		// acknowledgment renders as the stock reminder line.
		{agents.IntentAskPause, DecisionReask, "hint or 30s to think"},
		{agents.IntentAskClarify, DecisionClarify, "scope A or B"},
		{agents.IntentOther, DecisionReask, "refocus"},
	}
	for _, tc := range cases {
		st := newState()
		_, err := m.Handle(context.Background(), st)
		require.NoError(t, err)

		st.LatestIntent = tc.intent
		d, err := m.Handle(context.Background(), st)
		require.NoError(t, err)
		assert.Equal(t, tc.wantType, d.Type, "intent %s", tc.intent)
		assert.Contains(t, d.Text, tc.wantText, "intent %s", tc.intent)
	}
}

func TestHandle_AskThinkIntentArmsTimer(t *testing.T) {
	m := testManager(t, nil)
	st := newState()
	_, err := m.Handle(context.Background(), st)
	require.NoError(t, err)

	st.LatestIntent = agents.IntentAskThink
	d, err := m.Handle(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, DecisionPauseThink, d.Type)
}

func TestPalette(t *testing.T) {
	full := []string{session.ActionHint, session.ActionThink30, session.ActionRepeat, session.ActionSkip}
	assert.Equal(t, full, Palette(DecisionAsk, 0))
	assert.Equal(t, full, Palette(DecisionEvalAndAskNext, 2))
	assert.Equal(t, []string{session.ActionHint, session.ActionThink30}, Palette(DecisionAsk, 3))
	assert.Nil(t, Palette(DecisionPauseThink, 0))
}
