package agents

import (
	"github.com/vettaio/vetta/pkg/session"
)

// ResumeReason says why a session is being resumed.
type ResumeReason string

const (
	ReasonThinkExpired ResumeReason = "think_expired"
	ReasonPauseResume  ResumeReason = "pause_resume"
	ReasonReconnected  ResumeReason = "reconnected"
)

var resumeCopy = map[ResumeReason]string{
	ReasonThinkExpired: "Time's up—ready to share your thoughts?",
	ReasonPauseResume:  "Welcome back—shall we continue?",
	ReasonReconnected:  "We're reconnected. Let's pick up where we left off.",
}

const defaultResumeCore = "Let's pick up where we left off."

// ResumeResult re-presents the open question after an interruption.
type ResumeResult struct {
	ResumeLine   string
	QuestionText string
	Metadata     *session.QuestionMetadata
}

// Resume builds the re-entry lines for a session and clears the think
// timer when it drove the resume. A nil state falls back to a generic
// re-ask using the provided persona and fallback text.
func Resume(st *session.State, reason ResumeReason, persona, fallbackQuestion string) ResumeResult {
	if st != nil && st.Persona != "" {
		persona = st.Persona
	}

	core, ok := resumeCopy[reason]
	if !ok {
		core = defaultResumeCore
	}
	resumeLine := ApplyPersona(core, persona, PurposeResume, 2)

	if st == nil {
		questionText := fallbackQuestion
		if questionText == "" {
			questionText = "Let's revisit the previous question briefly."
		}
		return ResumeResult{
			ResumeLine:   resumeLine,
			QuestionText: ApplyPersona(questionText, persona, PurposeAskQuestion, 2),
		}
	}

	questionText := st.QuestionText
	if questionText == "" {
		questionText = "Let's revisit the previous question."
	}

	if reason == ReasonThinkExpired {
		st.ThinkUntil = nil
	}

	return ResumeResult{
		ResumeLine:   resumeLine,
		QuestionText: ApplyPersona(questionText, persona, PurposeAskQuestion, 2),
		Metadata:     st.QuestionMeta,
	}
}
