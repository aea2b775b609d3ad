// Package rubric defines the scoring rubric model: competencies with
// weighted criteria and five-level anchors.
package rubric

import "fmt"

// Anchor describes expected behavior at one proficiency level.
type Anchor struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Criterion is a weighted scoring dimension with anchors at levels 1..5.
// Weights need not sum to 1 across a competency; the aggregator normalizes
// by total weight.
type Criterion struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Weight  float64  `json:"weight"`
	Anchors []Anchor `json:"anchors,omitempty"`
}

// Competency groups criteria under one assessed area.
type Competency struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Criteria []Criterion `json:"criteria"`
}

// Rubric is an ordered sequence of competencies.
type Rubric struct {
	Competencies []Competency `json:"competencies"`
}

// Validate checks structural soundness.
func (r *Rubric) Validate() error {
	if len(r.Competencies) == 0 {
		return fmt.Errorf("rubric has no competencies")
	}
	for _, comp := range r.Competencies {
		if comp.ID == "" {
			return fmt.Errorf("competency %q has no id", comp.Name)
		}
		if len(comp.Criteria) == 0 {
			return fmt.Errorf("competency %s has no criteria", comp.ID)
		}
		for _, crit := range comp.Criteria {
			if crit.ID == "" {
				return fmt.Errorf("competency %s has a criterion with no id", comp.ID)
			}
			if crit.Weight < 0 || crit.Weight > 1 {
				return fmt.Errorf("criterion %s weight %f out of [0,1]", crit.ID, crit.Weight)
			}
		}
	}
	return nil
}

// Competency returns the competency with the given id, if present.
func (r *Rubric) Competency(id string) (*Competency, bool) {
	for i := range r.Competencies {
		if r.Competencies[i].ID == id {
			return &r.Competencies[i], true
		}
	}
	return nil, false
}

// TotalWeight sums the criterion weights of a competency.
func (c *Competency) TotalWeight() float64 {
	var total float64
	for _, crit := range c.Criteria {
		total += crit.Weight
	}
	return total
}

// Default returns the built-in rubric used when a session starts without
// one: a single architecture competency with three equally weighted
// criteria.
func Default() *Rubric {
	return &Rubric{
		Competencies: []Competency{
			{
				ID:   "ARCH",
				Name: "Architecture",
				Criteria: []Criterion{
					{
						ID:     "decomposition",
						Name:   "Decomposition & Boundaries",
						Weight: 1,
						Anchors: []Anchor{
							{Level: 1, Text: "Cannot identify meaningful service or module boundaries."},
							{Level: 2, Text: "Names boundaries but cannot justify placement."},
							{Level: 3, Text: "Draws sound boundaries with concrete examples from own work."},
							{Level: 4, Text: "Weighs coupling and ownership trade-offs, anticipates drift."},
							{Level: 5, Text: "Teaches boundary heuristics, covers failure and migration paths."},
						},
					},
					{
						ID:     "tradeoffs",
						Name:   "Trade-off Reasoning",
						Weight: 1,
						Anchors: []Anchor{
							{Level: 1, Text: "Presents a single option as the only answer."},
							{Level: 2, Text: "Lists alternatives without comparing them."},
							{Level: 3, Text: "Compares options against requirements with one concrete case."},
							{Level: 4, Text: "Quantifies trade-offs and names the reversal condition."},
							{Level: 5, Text: "Proactively surfaces hidden costs and second-order effects."},
						},
					},
					{
						ID:     "evidence",
						Name:   "Concrete Evidence",
						Weight: 1,
						Anchors: []Anchor{
							{Level: 1, Text: "Purely theoretical; no lived example."},
							{Level: 2, Text: "Vague references to past projects."},
							{Level: 3, Text: "One specific project with role and outcome."},
							{Level: 4, Text: "Multiple examples with measured outcomes."},
							{Level: 5, Text: "Examples include failures, corrections, and lessons applied."},
						},
					},
				},
			},
		},
	}
}
