package questiongen

// wrapup generates the single reflection ladder.
func wrapup(ctx Context) *Question {
	if ctx.FollowupIndex == 0 {
		return makeQuestion(
			"If you could redo one decision from this scenario, what would you change and why?",
			ctx,
			[]string{"decision named", "improvement rationale"},
		)
	}
	if !ShouldFollowup(ctx) {
		return nil
	}
	if ctx.FollowupIndex == 1 {
		return makeQuestion(
			"What's one risk you didn't discuss that could undermine the solution, and how would you monitor it?",
			ctx,
			[]string{"risk named", "monitor signal"},
		)
	}
	return makeQuestion(
		"Anything we didn't ask that helps assess your fit for this role?",
		ctx,
		[]string{"new relevant info", "tie-back to role"},
	)
}
