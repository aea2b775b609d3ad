package rubric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	r := Default()
	require.NoError(t, r.Validate())

	assert.Error(t, (&Rubric{}).Validate())

	noID := &Rubric{Competencies: []Competency{{Name: "unnamed", Criteria: []Criterion{{ID: "a"}}}}}
	assert.ErrorContains(t, noID.Validate(), "no id")

	noCriteria := &Rubric{Competencies: []Competency{{ID: "X"}}}
	assert.ErrorContains(t, noCriteria.Validate(), "no criteria")

	badWeight := &Rubric{Competencies: []Competency{
		{ID: "X", Criteria: []Criterion{{ID: "a", Weight: 1.5}}},
	}}
	assert.ErrorContains(t, badWeight.Validate(), "out of [0,1]")
}

func TestCompetencyLookup(t *testing.T) {
	r := Default()

	comp, ok := r.Competency("ARCH")
	require.True(t, ok)
	assert.Equal(t, "Architecture", comp.Name)

	_, ok = r.Competency("NOPE")
	assert.False(t, ok)
}

func TestTotalWeight(t *testing.T) {
	comp, ok := Default().Competency("ARCH")
	require.True(t, ok)
	assert.Equal(t, 3.0, comp.TotalWeight())
}

func TestDefaultAnchorsCoverAllLevels(t *testing.T) {
	for _, comp := range Default().Competencies {
		for _, crit := range comp.Criteria {
			require.Len(t, crit.Anchors, 5, "criterion %s", crit.ID)
			for i, anchor := range crit.Anchors {
				assert.Equal(t, i+1, anchor.Level)
				assert.NotEmpty(t, anchor.Text)
			}
		}
	}
}
