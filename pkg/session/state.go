// Package session holds the per-session interview state and its durable
// checkpoint store.
package session

import (
	"time"

	"github.com/vettaio/vetta/pkg/rubric"
)

// Stage is the interview stage machine position.
type Stage string

const (
	StageWarmup     Stage = "warmup"
	StageCompetency Stage = "competency"
	StageWrapup     Stage = "wrapup"
	StageComplete   Stage = "complete"
)

// Persona tags. They drive the wording of generated utterances only and
// never affect scoring or routing.
const (
	PersonaFriendly = "friendly"
	PersonaFirm     = "firm"
)

// QuestionMetadata locates a question within the rubric space.
type QuestionMetadata struct {
	CompetencyID    string   `json:"competency_id"`
	ItemID          string   `json:"item_id"`
	FacetID         string   `json:"facet_id"`
	FacetName       string   `json:"facet_name"`
	FollowupIndex   int      `json:"followup_index"`
	EvidenceTargets []string `json:"evidence_targets,omitempty"`
}

// EvalResult is one scored candidate reply.
type EvalResult struct {
	CompetencyID    string         `json:"competency_id"`
	ItemID          string         `json:"item_id"`
	TurnIndex       int            `json:"turn_index"`
	CriterionScores map[string]int `json:"criterion_scores"`
	Overall         float64        `json:"overall"`
	Band            string         `json:"band"`
	Notes           string         `json:"notes,omitempty"`
}

// Band values derived from the overall score.
const (
	BandLow  = "low"
	BandMid  = "mid"
	BandHigh = "high"
)

// ItemScore tracks all scored turns for one item. BestOf is monotone
// nondecreasing over the item's lifetime.
type ItemScore struct {
	Turns  []EvalResult `json:"turns"`
	BestOf float64      `json:"best_of"`
}

// CompetencyScores groups item scores under one competency.
type CompetencyScores struct {
	Items        map[string]*ItemScore `json:"items"`
	SkippedCount int                   `json:"skipped_count"`
}

// ScoreCache maps competency id to its recorded scores.
type ScoreCache map[string]*CompetencyScores

// CompetencyProgress tracks advancement signals within the competency
// stage. CoveredCriteria levels are monotone nondecreasing.
type CompetencyProgress struct {
	QuestionIndex   int            `json:"question_index"`
	LowScoreCount   int            `json:"low_score_count"`
	CoveredCriteria map[string]int `json:"covered_criteria,omitempty"`
}

// EvaluatorMemory carries the evaluator's running view of the candidate.
type EvaluatorMemory struct {
	Summary         string                    `json:"summary,omitempty"`
	CriterionLevels map[string]map[string]int `json:"criterion_levels,omitempty"`
}

// QuickAction is a user-initiated short-circuit around normal answering.
type QuickAction struct {
	ID string `json:"id"`
}

// Quick action ids.
const (
	ActionHint    = "hint"
	ActionThink30 = "think_30"
	ActionRepeat  = "repeat"
	ActionSkip    = "skip"
)

// Event is one append-only observability record embedded in state.
type Event struct {
	Type          string    `json:"type"`
	Node          string    `json:"node,omitempty"`
	Decision      string    `json:"decision,omitempty"`
	QuestionID    string    `json:"question_id,omitempty"`
	FollowupIndex int       `json:"followup_index,omitempty"`
	LatencyMS     int64     `json:"latency_ms,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// State is the full per-session snapshot. It is mutated only by the turn
// controller under the store's per-session lock and serialized whole into
// the checkpoint file.
type State struct {
	SessionID   string    `json:"session_id"`
	InterviewID string    `json:"interview_id"`
	CandidateID string    `json:"candidate_id"`
	Persona     string    `json:"persona"`
	Stage       Stage     `json:"stage"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	QuestionID   string            `json:"question_id,omitempty"`
	QuestionText string            `json:"question_text,omitempty"`
	QuestionMeta *QuestionMetadata `json:"question_metadata,omitempty"`

	TurnIndex       int `json:"turn_index"`
	SkipStreak      int `json:"skip_streak"`
	BlocksInRow     int `json:"blocks_in_row"`
	HintsUsedStage  int `json:"hints_used_stage"`
	WarmupAsked     int `json:"warmup_asked"`
	CompetencyIndex int `json:"competency_index"`

	UserMsg       string       `json:"user_msg,omitempty"`
	QueuedUserMsg string       `json:"queued_user_msg,omitempty"`
	QuickAction   *QuickAction `json:"quick_action,omitempty"`
	ClientTS      string       `json:"client_ts,omitempty"`
	LatestIntent  string       `json:"latest_intent,omitempty"`

	ThinkUntil *time.Time `json:"think_until,omitempty"`

	Rubric      *rubric.Rubric                 `json:"rubric,omitempty"`
	Scores      ScoreCache                     `json:"scores"`
	Progress    map[string]*CompetencyProgress `json:"progress,omitempty"`
	HintHistory map[string][]string            `json:"hint_history,omitempty"`
	Memory      EvaluatorMemory                `json:"evaluator_memory"`
	LastEval    *EvalResult                    `json:"last_eval,omitempty"`

	Events []Event `json:"events"`
}

// New creates a fresh session state in the warmup stage.
func New(sessionID, interviewID, candidateID, persona string, r *rubric.Rubric) *State {
	now := time.Now().UTC()
	if persona == "" {
		persona = PersonaFriendly
	}
	if r == nil {
		r = rubric.Default()
	}
	return &State{
		SessionID:   sessionID,
		InterviewID: interviewID,
		CandidateID: candidateID,
		Persona:     persona,
		Stage:       StageWarmup,
		CreatedAt:   now,
		UpdatedAt:   now,
		Rubric:      r,
		Scores:      make(ScoreCache),
		Progress:    make(map[string]*CompetencyProgress),
		HintHistory: make(map[string][]string),
		Events:      []Event{},
	}
}

// AppendEvent records an observability event with the current timestamp.
func (s *State) AppendEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.Events = append(s.Events, ev)
}

// CompetencyScores returns the score bucket for a competency, creating it
// when absent.
func (s *State) CompetencyScores(competencyID string) *CompetencyScores {
	if s.Scores == nil {
		s.Scores = make(ScoreCache)
	}
	bucket, ok := s.Scores[competencyID]
	if !ok {
		bucket = &CompetencyScores{Items: make(map[string]*ItemScore)}
		s.Scores[competencyID] = bucket
	}
	if bucket.Items == nil {
		bucket.Items = make(map[string]*ItemScore)
	}
	return bucket
}

// CompetencyProgressFor returns the progress record for a competency,
// creating it when absent.
func (s *State) CompetencyProgressFor(competencyID string) *CompetencyProgress {
	if s.Progress == nil {
		s.Progress = make(map[string]*CompetencyProgress)
	}
	progress, ok := s.Progress[competencyID]
	if !ok {
		progress = &CompetencyProgress{CoveredCriteria: make(map[string]int)}
		s.Progress[competencyID] = progress
	}
	if progress.CoveredCriteria == nil {
		progress.CoveredCriteria = make(map[string]int)
	}
	return progress
}

// RecordHint appends a hint to the facet's bounded history (last 5 kept).
func (s *State) RecordHint(facetID, hint string) {
	if s.HintHistory == nil {
		s.HintHistory = make(map[string][]string)
	}
	history := append(s.HintHistory[facetID], hint)
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	s.HintHistory[facetID] = history
}

// RaiseCriterionLevel records an achieved criterion level, never lowering
// a previously achieved one.
func (s *State) RaiseCriterionLevel(competencyID, criterionID string, level int) {
	if level < 0 {
		return
	}
	if level > 5 {
		level = 5
	}
	if s.Memory.CriterionLevels == nil {
		s.Memory.CriterionLevels = make(map[string]map[string]int)
	}
	levels, ok := s.Memory.CriterionLevels[competencyID]
	if !ok {
		levels = make(map[string]int)
		s.Memory.CriterionLevels[competencyID] = levels
	}
	if level > levels[criterionID] {
		levels[criterionID] = level
	}
}
