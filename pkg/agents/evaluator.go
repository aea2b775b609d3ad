package agents

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/rubric"
	"github.com/vettaio/vetta/pkg/scoring"
	"github.com/vettaio/vetta/pkg/session"
)

// EvalOutcome says how a score was produced.
type EvalOutcome int

const (
	// EvalOK is an oracle-produced score.
	EvalOK EvalOutcome = iota
	// EvalPolicyOverride is the all-ones score applied to blocked or
	// too-brief replies without calling the oracle.
	EvalPolicyOverride
	// EvalSchemaFallback is the neutral-threes score applied when the
	// oracle reply never validated.
	EvalSchemaFallback
)

const maxNotesLen = 200

// Evaluator scores candidate replies against the rubric.
type Evaluator struct {
	oracle           *oracle.Client
	lowContentTokens int
}

// NewEvaluator creates an evaluator bound to the evaluator route.
func NewEvaluator(client *oracle.Client, lowContentTokens int) *Evaluator {
	return &Evaluator{oracle: client, lowContentTokens: lowContentTokens}
}

// EvalInput is one turn to score.
type EvalInput struct {
	CompetencyID   string
	ItemID         string
	FollowupIndex  int
	QuestionText   string
	CandidateReply string
	Competency     *rubric.Competency
	Blocked        bool
}

// criterionScore is the oracle wire shape for one criterion.
type criterionScore struct {
	ID    string `json:"id"`
	Score int    `json:"score"`
}

// evalWire is the oracle's score reply.
type evalWire struct {
	CompetencyID    string           `json:"competency_id"`
	ItemID          string           `json:"item_id"`
	TurnIndex       int              `json:"turn_index"`
	CriterionScores []criterionScore `json:"criterion_scores"`
	Overall         float64          `json:"overall"`
	Band            string           `json:"band"`
	Notes           string           `json:"notes,omitempty"`
}

// Validate rejects replies without per-criterion scores so the retry loop
// can correct them.
func (w *evalWire) Validate() error {
	if len(w.CriterionScores) == 0 {
		return errors.New("criterion_scores is empty")
	}
	for _, cs := range w.CriterionScores {
		if cs.ID == "" {
			return errors.New("criterion score with empty id")
		}
	}
	return nil
}

type evalPayload struct {
	CompetencyID   string             `json:"competency_id"`
	ItemID         string             `json:"item_id"`
	FollowupIndex  int                `json:"followup_index"`
	QuestionText   string             `json:"question_text"`
	CandidateReply string             `json:"candidate_reply"`
	Rubric         *rubric.Competency `json:"rubric"`
	Policies       map[string]any     `json:"policies"`
	Context        map[string]any     `json:"context"`
}

// Band maps an overall score to its band.
func Band(overall float64) string {
	switch {
	case overall <= 2.0:
		return session.BandLow
	case overall < 4.0:
		return session.BandMid
	default:
		return session.BandHigh
	}
}

// ScoreTurn scores one reply. Blocked or too-brief replies are overridden
// to all ones without an oracle call; an unrecoverable schema failure
// degrades to neutral threes. Transport failures propagate.
func (e *Evaluator) ScoreTurn(ctx context.Context, in EvalInput) (session.EvalResult, EvalOutcome, error) {
	if in.Blocked || TokenCount(in.CandidateReply) < e.lowContentTokens {
		return e.overrideToOnes(in), EvalPolicyOverride, nil
	}

	payload, err := json.Marshal(evalPayload{
		CompetencyID:   in.CompetencyID,
		ItemID:         in.ItemID,
		FollowupIndex:  in.FollowupIndex,
		QuestionText:   in.QuestionText,
		CandidateReply: in.CandidateReply,
		Rubric:         in.Competency,
		Policies: map[string]any{
			"low_content_token_threshold": e.lowContentTokens,
			"max_followups_per_item":      2,
			"round_scores_to_dp":          1,
		},
		Context: map[string]any{"is_blocked": false},
	})
	if err != nil {
		return session.EvalResult{}, EvalSchemaFallback, err
	}

	wire, err := oracle.Call[evalWire](ctx, e.oracle, oracle.User(string(payload)))
	if err != nil {
		var schemaErr *oracle.SchemaError
		if !errors.As(err, &schemaErr) {
			return session.EvalResult{}, EvalSchemaFallback, err
		}
		slog.Warn("Evaluator oracle schema failure; neutral scoring",
			"competency_id", in.CompetencyID, "item_id", in.ItemID, "error", err)
		return e.neutralFallback(in), EvalSchemaFallback, nil
	}

	scores := make(map[string]int, len(wire.CriterionScores))
	for _, cs := range wire.CriterionScores {
		scores[cs.ID] = boundScore(cs.Score)
	}
	// Criteria the oracle skipped score neutral.
	if in.Competency != nil {
		for _, crit := range in.Competency.Criteria {
			if _, ok := scores[crit.ID]; !ok {
				scores[crit.ID] = 3
			}
		}
	}

	overall := scoring.Round1(weightedOverall(scores, in.Competency))
	notes := wire.Notes
	if len(notes) > maxNotesLen {
		notes = notes[:maxNotesLen]
	}

	// The oracle echoes competency_id and item_id, but the engine's ids
	// stay authoritative so a confused echo cannot mis-bucket the score.
	if wire.CompetencyID != "" && wire.CompetencyID != in.CompetencyID {
		slog.Debug("Evaluator echoed a different competency id",
			"want", in.CompetencyID, "got", wire.CompetencyID)
	}

	return session.EvalResult{
		CompetencyID:    in.CompetencyID,
		ItemID:          in.ItemID,
		TurnIndex:       wire.TurnIndex,
		CriterionScores: scores,
		Overall:         overall,
		Band:            Band(overall),
		Notes:           notes,
	}, EvalOK, nil
}

func (e *Evaluator) overrideToOnes(in EvalInput) session.EvalResult {
	return session.EvalResult{
		CompetencyID:    in.CompetencyID,
		ItemID:          in.ItemID,
		TurnIndex:       in.FollowupIndex,
		CriterionScores: uniformScores(in.Competency, 1),
		Overall:         1.0,
		Band:            Band(1.0),
		Notes:           "too brief or blocked; insufficient evidence",
	}
}

func (e *Evaluator) neutralFallback(in EvalInput) session.EvalResult {
	scores := uniformScores(in.Competency, 3)
	overall := scoring.Round1(weightedOverall(scores, in.Competency))
	return session.EvalResult{
		CompetencyID:    in.CompetencyID,
		ItemID:          in.ItemID,
		TurnIndex:       in.FollowupIndex,
		CriterionScores: scores,
		Overall:         overall,
		Band:            Band(overall),
		Notes:           "fallback schema; neutral scoring",
	}
}

func uniformScores(comp *rubric.Competency, score int) map[string]int {
	scores := make(map[string]int)
	if comp == nil {
		return scores
	}
	for _, crit := range comp.Criteria {
		scores[crit.ID] = score
	}
	return scores
}

// weightedOverall aggregates criterion scores by rubric weight. Scores for
// unknown criteria carry zero weight.
func weightedOverall(scores map[string]int, comp *rubric.Competency) float64 {
	if comp == nil {
		return 0
	}
	totalWeight := comp.TotalWeight()
	if totalWeight == 0 {
		totalWeight = 1.0
	}
	var acc float64
	for _, crit := range comp.Criteria {
		if score, ok := scores[crit.ID]; ok {
			acc += crit.Weight * float64(score)
		}
	}
	return acc / totalWeight
}

func boundScore(score int) int {
	if score < 1 {
		return 1
	}
	if score > 5 {
		return 5
	}
	return score
}
