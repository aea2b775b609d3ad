// Package flow is the turn router: it maps the gated candidate input onto
// exactly one decision, advancing the stage machine and the per-competency
// progress accounting as a side effect.
package flow

import (
	"time"

	"github.com/vettaio/vetta/pkg/session"
)

// DecisionType enumerates the router outcomes.
type DecisionType string

const (
	DecisionAsk            DecisionType = "ASK"
	DecisionReask          DecisionType = "REASK"
	DecisionHint           DecisionType = "HINT"
	DecisionPauseThink     DecisionType = "PAUSE_THINK"
	DecisionSkipAndNext    DecisionType = "SKIP_AND_NEXT"
	DecisionEvalAndAskNext DecisionType = "EVAL_AND_ASK_NEXT"
	DecisionAutoSkipMoved  DecisionType = "AUTO_SKIP_MOVED"
	DecisionClarify        DecisionType = "CLARIFY"
)

// Skip reasons carried on SKIP_AND_NEXT and AUTO_SKIP_MOVED.
const (
	SkipReasonUser           = "user_skip"
	SkipReasonThreeBlocks    = "three_blocks"
	SkipReasonFacetSatisfied = "facet_satisfied"
)

// Question is a rendered question plus its rubric location.
type Question struct {
	Text     string                    `json:"text"`
	Metadata *session.QuestionMetadata `json:"metadata,omitempty"`
}

// Decision is the single routing outcome of a turn.
type Decision struct {
	Type      DecisionType        `json:"type"`
	Text      string              `json:"text,omitempty"`
	Question  *Question           `json:"question,omitempty"`
	Eval      *session.EvalResult `json:"eval,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Exhausted bool                `json:"exhausted,omitempty"`
	Nudge     bool                `json:"nudge,omitempty"`
	Moved     bool                `json:"moved,omitempty"`
	Until     *time.Time          `json:"until,omitempty"`
}

// Palette returns the quick-action row offered with a decision. Long skip
// streaks degrade the row so skipping stops being the path of least
// resistance.
func Palette(t DecisionType, skipStreak int) []string {
	switch t {
	case DecisionAsk, DecisionReask, DecisionClarify, DecisionHint,
		DecisionSkipAndNext, DecisionEvalAndAskNext, DecisionAutoSkipMoved:
		if skipStreak >= 3 {
			return []string{session.ActionHint, session.ActionThink30}
		}
		return []string{session.ActionHint, session.ActionThink30, session.ActionRepeat, session.ActionSkip}
	default:
		return nil
	}
}
