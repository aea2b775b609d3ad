package questiongen

// warmup generates the context-and-outcome ladder used for every warm-up
// facet.
func warmup(ctx Context) *Question {
	if ctx.FollowupIndex == 0 {
		return makeQuestion(
			"In a recent project you're proud of, what problem were you solving, what was your role, "+
				"and what was the measurable outcome?",
			ctx,
			[]string{"role stated", "problem framed", "metric/outcome"},
		)
	}
	if !ShouldFollowup(ctx) {
		return nil
	}
	if ctx.FollowupIndex == 1 {
		return makeQuestion(
			"Could you zoom in on one key decision? Why that choice over an alternative, and what trade-off did "+
				"you accept?",
			ctx,
			[]string{"alternative considered", "trade-off named", "why chosen"},
		)
	}
	return makeQuestion(
		"What signal told you that decision was effective (or not), and how did you adjust?",
		ctx,
		[]string{"validation signal", "revision loop"},
	)
}
