// Package agents implements the turn-level reasoning units: behavior
// monitoring, intent classification, response evaluation, hint generation,
// interrupt recovery, and persona styling of every candidate-facing line.
package agents

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/session"
)

// Purpose selects the phrasing template applied to an utterance.
type Purpose string

const (
	PurposeAskQuestion  Purpose = "ask_question"
	PurposeRedirect     Purpose = "redirect"
	PurposeNudgeDepth   Purpose = "nudge_depth"
	PurposeRemind       Purpose = "remind"
	PurposeBlockRefocus Purpose = "block_refocus"
	PurposeHint         Purpose = "hint"
	PurposeResume       Purpose = "resume"
	PurposeClarify      Purpose = "clarify"
	PurposeWrapup       Purpose = "wrapup"
)

var friendlyTemplates = map[Purpose]string{
	PurposeAskQuestion:  "{core}",
	PurposeRedirect:     "Interesting! Let's refocus on this topic: {core}",
	PurposeNudgeDepth:   "That's a start—could you add your role, a key decision, and the outcome?",
	PurposeRemind:       "Take your time—would you like a hint or 30s to think?",
	PurposeBlockRefocus: "I can't follow instructions that change or bypass the interview rules. Let's continue: {core}",
	PurposeHint:         "Here's a nudge: {core}",
	PurposeResume:       "Let's pick up where we left off. {core}",
	PurposeClarify:      "Quick clarification: {core}",
	PurposeWrapup:       "Before we close: {core}",
}

// firmTemplates is derived from the friendly set by stripping the warm
// openers.
var firmTemplates = func() map[Purpose]string {
	templates := make(map[Purpose]string, len(friendlyTemplates))
	for purpose, template := range friendlyTemplates {
		template = strings.ReplaceAll(template, "Interesting! ", "")
		template = strings.ReplaceAll(template, "Take your time—", "Let's proceed—")
		templates[purpose] = template
	}
	return templates
}()

var sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)

func splitSentences(text string) []string {
	var parts []string
	start := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		parts = append(parts, text[start:loc[0]+1])
		start = loc[1]
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}

func trimSentences(text string, maxSentences int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if maxSentences < 1 {
		maxSentences = 1
	}

	var kept []string
	for _, part := range splitSentences(text) {
		part = strings.TrimSpace(part)
		if part != "" {
			kept = append(kept, part)
		}
		if len(kept) >= maxSentences {
			break
		}
	}
	if len(kept) == 0 {
		kept = []string{text}
	}
	return strings.TrimSpace(strings.Join(kept, " "))
}

func templatesFor(persona string) map[Purpose]string {
	if persona == session.PersonaFirm {
		return firmTemplates
	}
	return friendlyTemplates
}

// ApplyPersona wraps core text in the persona template for the purpose and
// trims the result to maxSentences. Personas affect wording only.
func ApplyPersona(text, persona string, purpose Purpose, maxSentences int) string {
	if maxSentences < 1 {
		maxSentences = 2
	}

	template, ok := templatesFor(persona)[purpose]
	if !ok {
		template = "{core}"
	}

	// Templates with a prefix spend one sentence of the budget on it.
	hasCore := strings.Contains(template, "{core}")
	coreBudget := maxSentences
	if hasCore && purpose != PurposeAskQuestion {
		coreBudget = maxSentences - 1
		if coreBudget < 1 {
			coreBudget = 1
		}
	}

	var formatted string
	if hasCore {
		core := trimSentences(text, coreBudget)
		formatted = strings.TrimSpace(strings.ReplaceAll(template, "{core}", core))
	} else {
		formatted = strings.TrimSpace(template)
	}

	return trimSentences(formatted, maxSentences)
}

// Styler applies persona templates and, when a polish route is configured,
// asks it to rewrite the line. Rewrite failures fall back to the template
// output so styling can never fail a turn.
type Styler struct {
	polish *oracle.Client
}

// NewStyler creates a styler. The polish client may be nil.
func NewStyler(polish *oracle.Client) *Styler {
	return &Styler{polish: polish}
}

type polishRequest struct {
	Persona      string `json:"persona"`
	Purpose      string `json:"purpose"`
	Text         string `json:"text"`
	MaxSentences int    `json:"max_sentences"`
}

type polishReply struct {
	Text string `json:"text"`
}

// Apply styles text for the persona and purpose.
func (s *Styler) Apply(ctx context.Context, text, persona string, purpose Purpose, maxSentences int) string {
	formatted := ApplyPersona(text, persona, purpose, maxSentences)
	if s == nil || s.polish == nil {
		return formatted
	}

	payload, err := json.Marshal(polishRequest{
		Persona:      persona,
		Purpose:      string(purpose),
		Text:         formatted,
		MaxSentences: maxSentences,
	})
	if err != nil {
		return formatted
	}

	reply, err := oracle.Call[polishReply](ctx, s.polish, oracle.User(string(payload)))
	if err != nil {
		slog.Debug("Persona polish failed; keeping template output", "purpose", purpose, "error", err)
		return formatted
	}
	if strings.TrimSpace(reply.Text) == "" {
		return formatted
	}
	return trimSentences(reply.Text, maxSentences)
}
