// Package scoring maintains the per-session score cache and derives the
// live and final score triples.
package scoring

import (
	"math"
	"sort"

	"github.com/vettaio/vetta/pkg/session"
)

// Triple is (average, median, max) rounded to one decimal place.
type Triple struct {
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
}

// LiveScores is the running rubric-aligned score view returned with
// responses.
type LiveScores struct {
	PerCompetency map[string]Triple `json:"per_competency"`
	Overall       Triple            `json:"overall"`
}

// CompetencySummary is the finalize row for one competency.
type CompetencySummary struct {
	CompetencyID string `json:"competency_id"`
	Attempted    int    `json:"attempted"`
	Skipped      int    `json:"skipped"`
	Triple
}

// OverallSummary is the finalize row for the whole session.
type OverallSummary struct {
	Competencies int `json:"competencies"`
	Triple
}

// RecordEval appends the result to the item's turns and raises best_of.
// best_of never decreases.
func RecordEval(s *session.State, eval session.EvalResult) {
	bucket := s.CompetencyScores(eval.CompetencyID)
	item, ok := bucket.Items[eval.ItemID]
	if !ok {
		item = &session.ItemScore{BestOf: 1.0}
		bucket.Items[eval.ItemID] = item
	}
	item.Turns = append(item.Turns, eval)
	if eval.Overall > item.BestOf {
		item.BestOf = eval.Overall
	}
}

// MarkSkip increments the competency's skip count and ensures the item
// entry exists so coverage accounting sees it.
func MarkSkip(s *session.State, competencyID, itemID string) {
	bucket := s.CompetencyScores(competencyID)
	if _, ok := bucket.Items[itemID]; !ok {
		bucket.Items[itemID] = &session.ItemScore{BestOf: 1.0}
	}
	bucket.SkippedCount++
}

// BestOf returns the current best-of score for an item, defaulting to 1.0
// when nothing is recorded.
func BestOf(s *session.State, competencyID, itemID string) float64 {
	if competencyID == "" || itemID == "" {
		return 1.0
	}
	bucket, ok := s.Scores[competencyID]
	if !ok {
		return 1.0
	}
	item, ok := bucket.Items[itemID]
	if !ok {
		return 1.0
	}
	return item.BestOf
}

// Live computes per-competency and overall triples from items with at
// least one recorded turn. Empty inputs yield zero triples.
func Live(s *session.State) LiveScores {
	live := LiveScores{PerCompetency: make(map[string]Triple)}

	var compAvgs []float64
	for competencyID, bucket := range s.Scores {
		values := scoredBestOfs(bucket)
		if len(values) == 0 {
			continue
		}
		t := makeTriple(values)
		live.PerCompetency[competencyID] = t
		compAvgs = append(compAvgs, t.Avg)
	}

	live.Overall = makeTriple(compAvgs)
	return live
}

// FinalizeCompetency computes the summary row for one competency.
func FinalizeCompetency(s *session.State, competencyID string) CompetencySummary {
	summary := CompetencySummary{CompetencyID: competencyID}
	bucket, ok := s.Scores[competencyID]
	if !ok {
		return summary
	}
	values := scoredBestOfs(bucket)
	summary.Attempted = len(values)
	summary.Skipped = bucket.SkippedCount
	summary.Triple = makeTriple(values)
	return summary
}

// FinalizeOverall computes the session-level summary row.
func FinalizeOverall(s *session.State) OverallSummary {
	var compAvgs []float64
	for _, bucket := range s.Scores {
		values := scoredBestOfs(bucket)
		if len(values) == 0 {
			continue
		}
		compAvgs = append(compAvgs, makeTriple(values).Avg)
	}
	return OverallSummary{
		Competencies: len(compAvgs),
		Triple:       makeTriple(compAvgs),
	}
}

// scoredBestOfs collects best_of values from items that have at least one
// recorded turn. Skip-only placeholder items are excluded.
func scoredBestOfs(bucket *session.CompetencyScores) []float64 {
	var values []float64
	for _, item := range bucket.Items {
		if len(item.Turns) == 0 {
			continue
		}
		values = append(values, item.BestOf)
	}
	return values
}

func makeTriple(values []float64) Triple {
	if len(values) == 0 {
		return Triple{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	mid := len(sorted) / 2
	median := sorted[mid]
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}

	return Triple{
		Avg:    Round1(sum / float64(len(sorted))),
		Median: Round1(median),
		Max:    Round1(sorted[len(sorted)-1]),
	}
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
