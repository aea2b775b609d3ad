// Package questiongen selects the next question for a stage and facet,
// enforcing the follow-up cap and the facet-satisfied cutoff.
package questiongen

import (
	"strings"

	"github.com/vettaio/vetta/pkg/session"
)

// HighSatisfied is the best-of score at which a facet stops receiving
// follow-ups.
const HighSatisfied = 4.0

// FacetStatus is the scoring snapshot for a question facet.
type FacetStatus struct {
	BestOfScore float64
}

// Context is the input to stage-specific generators.
type Context struct {
	Stage          session.Stage
	CompetencyID   string
	ItemID         string
	FollowupIndex  int
	FacetID        string
	FacetName      string
	FacetStatus    FacetStatus
	Persona        string
	CandidateFacts map[string]string
}

// Question is a generated question plus the metadata that locates it.
type Question struct {
	Text     string
	Metadata session.QuestionMetadata
}

// ShouldFollowup reports whether a follow-up at the context's index should
// be asked. Index 0 (the base question) is always asked; indices above 2
// never; otherwise the facet must still be unsatisfied.
func ShouldFollowup(ctx Context) bool {
	if ctx.FollowupIndex == 0 {
		return true
	}
	if ctx.FollowupIndex > 2 {
		return false
	}
	if ctx.FacetStatus.BestOfScore >= HighSatisfied {
		return false
	}
	return true
}

func makeQuestion(text string, ctx Context, evidenceTargets []string) *Question {
	return &Question{
		Text: strings.TrimSpace(text),
		Metadata: session.QuestionMetadata{
			CompetencyID:    ctx.CompetencyID,
			ItemID:          ctx.ItemID,
			FollowupIndex:   ctx.FollowupIndex,
			FacetID:         ctx.FacetID,
			FacetName:       ctx.FacetName,
			EvidenceTargets: evidenceTargets,
		},
	}
}

// Route dispatches to the stage generator. A nil return means the facet is
// satisfied and the flow should advance.
func Route(ctx Context) *Question {
	switch ctx.Stage {
	case session.StageWarmup:
		return warmup(ctx)
	case session.StageWrapup:
		return wrapup(ctx)
	default:
		return competency(ctx)
	}
}
