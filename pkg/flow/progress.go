package flow

import (
	"fmt"

	"github.com/vettaio/vetta/pkg/rubric"
	"github.com/vettaio/vetta/pkg/session"
)

// coveredLevel is the minimum recorded criterion score that counts as
// evidence for coverage. Policy-override ones never cover anything.
const coveredLevel = 3

// stageDefault seeds question metadata when a stage has no active question.
type stageDefault struct {
	competencyID string
	itemID       string
	facetID      string
	facetName    string
}

var stageDefaults = map[session.Stage]stageDefault{
	session.StageWarmup: {
		competencyID: "WARMUP",
		itemID:       "WU_01",
		facetID:      "WU1",
		facetName:    "Context & Outcome",
	},
	session.StageWrapup: {
		competencyID: "WRAP",
		itemID:       "WR_01",
		facetID:      "WU-END",
		facetName:    "Reflection",
	},
}

// competencyFacets maps known competency ids to the facet their questions
// probe. Anything else gets the generic ladder via a synthetic facet id.
var competencyFacets = map[string]stageDefault{
	"ARCH": {facetID: "F_BOUNDARIES", facetName: "Decomposition & Boundaries"},
	"REL":  {facetID: "F_IDEMPOTENCY", facetName: "Idempotency & Retries"},
	"DATA": {facetID: "F_CONSISTENCY", facetName: "Consistency & SLAs"},
	"SEC":  {facetID: "F_ACCESS", facetName: "Least Privilege & Access"},
}

func (m *Manager) currentCompetency(st *session.State) *rubric.Competency {
	r := st.Rubric
	if r == nil || len(r.Competencies) == 0 {
		return nil
	}
	idx := st.CompetencyIndex
	if idx < 0 || idx >= len(r.Competencies) {
		idx = len(r.Competencies) - 1
	}
	return &r.Competencies[idx]
}

// ensureDefaults seeds question metadata for the current stage when no
// question is active.
func (m *Manager) ensureDefaults(st *session.State) {
	if st.QuestionMeta != nil {
		return
	}

	if d, ok := stageDefaults[st.Stage]; ok {
		st.QuestionMeta = &session.QuestionMetadata{
			CompetencyID: d.competencyID,
			ItemID:       d.itemID,
			FacetID:      d.facetID,
			FacetName:    d.facetName,
		}
		return
	}

	comp := m.currentCompetency(st)
	if comp == nil {
		st.QuestionMeta = &session.QuestionMetadata{
			CompetencyID: "ARCH",
			ItemID:       "ARCH_01",
			FacetID:      "F_BOUNDARIES",
			FacetName:    "Decomposition & Boundaries",
		}
		return
	}

	progress := st.CompetencyProgressFor(comp.ID)
	facet, ok := competencyFacets[comp.ID]
	if !ok {
		facet = stageDefault{facetID: "F_" + comp.ID, facetName: comp.Name}
	}
	st.QuestionMeta = &session.QuestionMetadata{
		CompetencyID: comp.ID,
		ItemID:       fmt.Sprintf("%s_%02d", comp.ID, progress.QuestionIndex+1),
		FacetID:      facet.facetID,
		FacetName:    facet.facetName,
	}
}

// observeEval folds an evaluation into the competency progress: criterion
// levels, coverage, and the low-score counter.
func (m *Manager) observeEval(st *session.State, eval session.EvalResult) {
	for criterionID, score := range eval.CriterionScores {
		st.RaiseCriterionLevel(eval.CompetencyID, criterionID, score)
	}

	if st.Stage != session.StageCompetency {
		return
	}

	progress := st.CompetencyProgressFor(eval.CompetencyID)
	for criterionID, score := range eval.CriterionScores {
		if score > progress.CoveredCriteria[criterionID] {
			progress.CoveredCriteria[criterionID] = score
		}
	}
	if eval.Overall < m.interview.LowScoreThreshold {
		progress.LowScoreCount++
	}
}

// coverageComplete reports whether a competency's criteria are covered:
// all of them for a single-criterion competency, all but one otherwise.
func coverageComplete(comp *rubric.Competency, progress *session.CompetencyProgress) bool {
	if comp == nil || len(comp.Criteria) == 0 {
		return false
	}
	covered := 0
	for _, crit := range comp.Criteria {
		if progress.CoveredCriteria[crit.ID] >= coveredLevel {
			covered++
		}
	}
	if len(comp.Criteria) == 1 {
		return covered == 1
	}
	return covered >= len(comp.Criteria)-1
}

// advanceItem closes the current item and moves the stage machine forward.
// The active question metadata is cleared so the next ask reseeds it.
func (m *Manager) advanceItem(st *session.State) {
	switch st.Stage {
	case session.StageWarmup:
		st.WarmupAsked++
		if st.WarmupAsked >= m.interview.WarmupQuestions {
			m.transition(st, session.StageCompetency)
			return
		}

	case session.StageCompetency:
		comp := m.currentCompetency(st)
		if comp == nil {
			m.transition(st, session.StageWrapup)
			return
		}
		progress := st.CompetencyProgressFor(comp.ID)
		progress.QuestionIndex++

		if coverageComplete(comp, progress) ||
			progress.QuestionIndex >= m.flow.MaxFollowupsPerItem ||
			progress.LowScoreCount >= m.flow.MaxFollowupsPerItem {
			st.CompetencyIndex++
			if st.CompetencyIndex >= len(st.Rubric.Competencies) {
				m.transition(st, session.StageWrapup)
				return
			}
		}

	case session.StageWrapup:
		m.transition(st, session.StageComplete)
		return
	}

	st.QuestionMeta = nil
	st.QuestionID = ""
	st.QuestionText = ""
}

// transition moves to the next stage. Hint budget is per stage.
func (m *Manager) transition(st *session.State, next session.Stage) {
	st.Stage = next
	st.HintsUsedStage = 0
	st.QuestionMeta = nil
	st.QuestionID = ""
	st.QuestionText = ""
	st.AppendEvent(session.Event{Type: "STAGE_TRANSITION", Node: string(next)})
}
