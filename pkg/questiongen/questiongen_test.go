package questiongen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vettaio/vetta/pkg/session"
)

func TestShouldFollowup(t *testing.T) {
	// The base question is always asked, even for a satisfied facet.
	assert.True(t, ShouldFollowup(Context{FollowupIndex: 0, FacetStatus: FacetStatus{BestOfScore: 5.0}}))

	assert.True(t, ShouldFollowup(Context{FollowupIndex: 1, FacetStatus: FacetStatus{BestOfScore: 3.9}}))
	assert.False(t, ShouldFollowup(Context{FollowupIndex: 1, FacetStatus: FacetStatus{BestOfScore: 4.0}}))
	assert.False(t, ShouldFollowup(Context{FollowupIndex: 3}))
}

func TestRoute_WarmupLadder(t *testing.T) {
	ctx := Context{
		Stage:        session.StageWarmup,
		CompetencyID: "WARMUP",
		ItemID:       "WU_01",
		FacetID:      "WU1",
		FacetName:    "Context & Outcome",
	}

	q := Route(ctx)
	require.NotNil(t, q)
	assert.Contains(t, q.Text, "problem were you solving")
	assert.Equal(t, "WU_01", q.Metadata.ItemID)
	assert.Equal(t, 0, q.Metadata.FollowupIndex)
	assert.Contains(t, q.Metadata.EvidenceTargets, "metric/outcome")

	ctx.FollowupIndex = 1
	q = Route(ctx)
	require.NotNil(t, q)
	assert.Contains(t, q.Text, "key decision")
	assert.Equal(t, 1, q.Metadata.FollowupIndex)

	ctx.FollowupIndex = 2
	q = Route(ctx)
	require.NotNil(t, q)
	assert.Contains(t, q.Text, "signal")
}

func TestRoute_SatisfiedFacetReturnsNil(t *testing.T) {
	ctx := Context{
		Stage:         session.StageWarmup,
		FollowupIndex: 1,
		FacetStatus:   FacetStatus{BestOfScore: 4.5},
	}
	assert.Nil(t, Route(ctx))
}

func TestRoute_KnownCompetencyFacets(t *testing.T) {
	cases := map[string]string{
		"F_BOUNDARIES":  "decompose",
		"F_IDEMPOTENCY": "idempotency",
		"F_CONSISTENCY": "consistency model",
		"F_ACCESS":      "least privilege",
	}
	for facetID, want := range cases {
		q := Route(Context{
			Stage:        session.StageCompetency,
			CompetencyID: "ARCH",
			ItemID:       "ARCH_01",
			FacetID:      facetID,
		})
		require.NotNil(t, q, "facet %s", facetID)
		assert.Contains(t, q.Text, want, "facet %s", facetID)
	}
}

func TestRoute_UnknownFacetGenericLadder(t *testing.T) {
	ctx := Context{
		Stage:        session.StageCompetency,
		CompetencyID: "PERF",
		ItemID:       "PERF_01",
		FacetID:      "F_LATENCY",
	}

	q := Route(ctx)
	require.NotNil(t, q)
	assert.Contains(t, q.Text, "trade-off")

	ctx.FollowupIndex = 1
	q = Route(ctx)
	require.NotNil(t, q)
	assert.Contains(t, q.Text, "evidence")

	// The generic ladder has no second follow-up beyond the cap check.
	ctx.FollowupIndex = 1
	ctx.FacetStatus.BestOfScore = 4.2
	assert.Nil(t, Route(ctx))
}

func TestRoute_WrapupLadder(t *testing.T) {
	ctx := Context{
		Stage:   session.StageWrapup,
		ItemID:  "WR_01",
		FacetID: "WU-END",
	}

	q := Route(ctx)
	require.NotNil(t, q)
	assert.Contains(t, q.Text, "redo one decision")

	ctx.FollowupIndex = 2
	q = Route(ctx)
	require.NotNil(t, q)
	assert.Contains(t, q.Text, "fit for this role")
}
