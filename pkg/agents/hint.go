package agents

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/session"
)

const defaultHintCore = "Offer one concrete step toward this facet."

// HintAgent produces persona-styled micro-hints for the active facet.
type HintAgent struct {
	oracle *oracle.Client
	styler *Styler
}

// NewHintAgent creates a hint agent. Both the hint client and the styler
// may be nil; generation then degrades to evidence-target templates.
func NewHintAgent(client *oracle.Client, styler *Styler) *HintAgent {
	return &HintAgent{oracle: client, styler: styler}
}

type hintPayload struct {
	Persona         string         `json:"persona"`
	Facet           map[string]any `json:"facet"`
	QuestionText    string         `json:"question_text"`
	EvidenceTargets []string       `json:"evidence_targets"`
	PriorHints      []string       `json:"prior_hints"`
	LastReply       string         `json:"last_reply"`
	Constraints     map[string]any `json:"constraints"`
}

type hintWire struct {
	Hint string `json:"hint"`
}

// Generate produces a hint for the session's active facet, records it in
// the facet's hint history, and returns the styled line.
func (h *HintAgent) Generate(ctx context.Context, st *session.State) (string, error) {
	facetID := "WU1"
	facetName := "Context & Outcome"
	var evidenceTargets []string
	if st.QuestionMeta != nil {
		if st.QuestionMeta.FacetID != "" {
			facetID = st.QuestionMeta.FacetID
		}
		if st.QuestionMeta.FacetName != "" {
			facetName = st.QuestionMeta.FacetName
		}
		evidenceTargets = st.QuestionMeta.EvidenceTargets
	}

	priorHints := st.HintHistory[facetID]
	if len(priorHints) > 3 {
		priorHints = priorHints[len(priorHints)-3:]
	}

	core, err := h.generateCore(ctx, st, facetID, facetName, evidenceTargets, priorHints)
	if err != nil {
		return "", err
	}

	styled := h.style(ctx, core, st.Persona)
	st.RecordHint(facetID, styled)
	return styled, nil
}

func (h *HintAgent) generateCore(ctx context.Context, st *session.State, facetID, facetName string, evidenceTargets, priorHints []string) (string, error) {
	if h.oracle == nil {
		return templateHint(evidenceTargets), nil
	}

	payload, err := json.Marshal(hintPayload{
		Persona:         st.Persona,
		Facet:           map[string]any{"id": facetID, "name": facetName},
		QuestionText:    st.QuestionText,
		EvidenceTargets: evidenceTargets,
		PriorHints:      priorHints,
		LastReply:       st.UserMsg,
		Constraints:     map[string]any{"max_sentences": 2},
	})
	if err != nil {
		return templateHint(evidenceTargets), nil
	}

	wire, err := oracle.Call[hintWire](ctx, h.oracle, oracle.User(string(payload)))
	if err != nil {
		var schemaErr *oracle.SchemaError
		if !errors.As(err, &schemaErr) {
			return "", err
		}
		slog.Warn("Hint oracle schema failure; using template hint", "facet_id", facetID, "error", err)
		return templateHint(evidenceTargets), nil
	}

	hint := strings.TrimSpace(wire.Hint)
	if hint == "" {
		hint = defaultHintCore
	}
	return hint, nil
}

func (h *HintAgent) style(ctx context.Context, core, persona string) string {
	if h.styler != nil {
		return h.styler.Apply(ctx, core, persona, PurposeHint, 2)
	}
	return ApplyPersona(core, persona, PurposeHint, 2)
}

// templateHint builds a deterministic hint from the question's evidence
// targets when no oracle is available.
func templateHint(evidenceTargets []string) string {
	if len(evidenceTargets) == 0 {
		return defaultHintCore
	}
	targets := evidenceTargets
	if len(targets) > 2 {
		targets = targets[:2]
	}
	return "Try touching on: " + strings.Join(targets, ", ") + "."
}
