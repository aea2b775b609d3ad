package questiongen

// facetRouter maps known facet ids to their question ladders. Unknown
// facets fall through to the generic two-question ladder.
var facetRouter = map[string]func(Context) *Question{
	"F_BOUNDARIES":  archBoundaries,
	"F_IDEMPOTENCY": relIdempotency,
	"F_CONSISTENCY": dataConsistency,
	"F_ACCESS":      secAccess,
}

func competency(ctx Context) *Question {
	if handler, ok := facetRouter[ctx.FacetID]; ok {
		return handler(ctx)
	}
	if ctx.FollowupIndex == 0 {
		return makeQuestion(
			"Describe the core design decision and one trade-off you accepted.",
			ctx,
			[]string{"decision named", "trade-off named"},
		)
	}
	if !ShouldFollowup(ctx) {
		return nil
	}
	return makeQuestion(
		"What evidence showed this was the right trade-off, and how would you revisit it?",
		ctx,
		[]string{"validation signal", "revisit criteria"},
	)
}

func archBoundaries(ctx Context) *Question {
	if ctx.FollowupIndex == 0 {
		return makeQuestion(
			"How did you decompose the system into components or services, and what contracts or boundaries "+
				"prevented tight coupling?",
			ctx,
			[]string{"components named", "boundary rationale", "coupling mitigations"},
		)
	}
	if !ShouldFollowup(ctx) {
		return nil
	}
	if ctx.FollowupIndex == 1 {
		return makeQuestion(
			"What signals told you the boundaries were right (or wrong), and how did you adjust?",
			ctx,
			[]string{"validation signals", "revision loop"},
		)
	}
	return makeQuestion(
		"Pick one boundary: describe failure propagation if it breaks, and how your design contains the blast radius.",
		ctx,
		[]string{"failure path", "containment strategy"},
	)
}

func relIdempotency(ctx Context) *Question {
	if ctx.FollowupIndex == 0 {
		return makeQuestion(
			"How did you ensure idempotency across retries or replays, and where is idempotency enforced?",
			ctx,
			[]string{"idempotency locus", "retry policy", "duplicate handling"},
		)
	}
	if !ShouldFollowup(ctx) {
		return nil
	}
	if ctx.FollowupIndex == 1 {
		return makeQuestion(
			"Show one operation where idempotency was non-trivial. How did you prove it?",
			ctx,
			[]string{"non-trivial case", "proof/verification"},
		)
	}
	return makeQuestion(
		"What metrics or alerts detect idempotency regressions in production?",
		ctx,
		[]string{"metric/alert named", "signal-to-action"},
	)
}

func dataConsistency(ctx Context) *Question {
	if ctx.FollowupIndex == 0 {
		return makeQuestion(
			"Which consistency model did you choose (for example, eventual or read-your-writes) and why was it "+
				"sufficient for your SLAs?",
			ctx,
			[]string{"model named", "SLA mapping", "risk/acceptance"},
		)
	}
	if !ShouldFollowup(ctx) {
		return nil
	}
	if ctx.FollowupIndex == 1 {
		return makeQuestion(
			"Describe one user-visible edge condition and how you mitigated it.",
			ctx,
			[]string{"edge case", "mitigation"},
		)
	}
	return makeQuestion(
		"What would change if the SLA tightened by 10x?",
		ctx,
		[]string{"design delta", "trade-off recalculated"},
	)
}

func secAccess(ctx Context) *Question {
	if ctx.FollowupIndex == 0 {
		return makeQuestion(
			"How did you classify data and enforce least privilege across services or roles?",
			ctx,
			[]string{"classification scheme", "LP enforcement point"},
		)
	}
	if !ShouldFollowup(ctx) {
		return nil
	}
	if ctx.FollowupIndex == 1 {
		return makeQuestion(
			"Walk through one authorization failure path: what happens and what's logged?",
			ctx,
			[]string{"failure path", "audit/logging"},
		)
	}
	return makeQuestion(
		"What reviewed artifacts prove compliance (for example, policies, controls, evidence)?",
		ctx,
		[]string{"evidence named", "review cadence"},
	)
}
