// Package candidate simulates an interviewee for rehearsal runs. Replies
// are generated at one of five depth levels, from buzzword name-dropping
// to organization-level strategy.
package candidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vettaio/vetta/pkg/oracle"
)

// Reply depth personas, level 1 (weakest) through 5 (strongest).
var levelPersonas = map[int]string{
	1: "Level 1 – The Name-Dropper. Speak in vague buzzwords, cite trendy tools without detail, and avoid explaining trade-offs or edge cases. Provide superficial answers that stall when pressed on real-world execution.",
	2: "Level 2 – The Practitioner. Describe tasks you carried out, list tools or steps, but struggle to justify decisions. Keep solutions tactical and local without highlighting broader implications.",
	3: "Level 3 – The Problem Solver. Offer grounded solutions for clear problems, justify choices with practical trade-offs, and cover common failure modes. Sound like a dependable executor following an established plan.",
	4: "Level 4 – The Architect. Evaluate multiple approaches, explain trade-offs in cost, risk, and lifecycle, and think beyond day-one delivery. Discuss scalability, monitoring, and long-term evolution of the solution.",
	5: "Level 5 – The Strategist. Anticipate systemic risks, shape organization-wide direction, and frame answers around resilient, scalable strategies. Highlight governance, cross-team standards, and business impact.",
}

// Exchange is one interviewer/candidate turn kept in the rehearsal memory.
type Exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Memory is the context the simulated candidate answers from.
type Memory struct {
	ResumeSummary    string     `json:"resume_summary"`
	History          []Exchange `json:"history"`
	Competency       string     `json:"competency"`
	ProjectAnchor    string     `json:"project_anchor"`
	TargetedCriteria []string   `json:"targeted_criteria"`
}

// Outcome carries the generated reply together with the updated history.
type Outcome struct {
	Message Exchange
	Tone    string
	History []Exchange
}

type replyPayload struct {
	Persona       string     `json:"persona"`
	ResumeSummary string     `json:"resume_summary"`
	Competency    string     `json:"competency"`
	ProjectAnchor string     `json:"project_anchor"`
	Targeted      []string   `json:"targeted_criteria"`
	Conversation  []Exchange `json:"conversation"`
	Question      string     `json:"question"`
	Level         int        `json:"level"`
}

type replyWire struct {
	Answer string `json:"answer"`
	Tone   string `json:"tone,omitempty"`
}

func (w *replyWire) Validate() error {
	if strings.TrimSpace(w.Answer) == "" {
		return fmt.Errorf("answer must not be empty")
	}
	return nil
}

// Agent produces candidate replies at a requested depth level. The oracle
// client may be nil; replies then come from deterministic templates, which
// keeps rehearsals runnable without an upstream model.
type Agent struct {
	oracle *oracle.Client
}

func NewAgent(client *oracle.Client) *Agent {
	return &Agent{oracle: client}
}

// Reply generates the candidate's answer to the interviewer prompt and
// appends the exchange to the memory's history.
func (a *Agent) Reply(ctx context.Context, question string, memory Memory, level int) (*Outcome, error) {
	persona, clamped := personaForLevel(level)

	answer, tone, err := a.generate(ctx, question, memory, persona, clamped)
	if err != nil {
		return nil, err
	}

	qa := Exchange{Question: strings.TrimSpace(question), Answer: answer}
	history := append(append([]Exchange(nil), memory.History...), qa)

	tone = strings.ToLower(strings.TrimSpace(tone))
	if tone != "neutral" && tone != "positive" {
		tone = "neutral"
	}
	return &Outcome{Message: qa, Tone: tone, History: history}, nil
}

func (a *Agent) generate(ctx context.Context, question string, memory Memory, persona string, level int) (string, string, error) {
	if a.oracle == nil {
		return templateReply(memory, level), "neutral", nil
	}

	payload, err := json.Marshal(replyPayload{
		Persona:       persona,
		ResumeSummary: clampSummary(memory.ResumeSummary, 600),
		Competency:    orDefault(memory.Competency, "general competency focus"),
		ProjectAnchor: orDefault(strings.TrimSpace(memory.ProjectAnchor), "(no shared project anchor)"),
		Targeted:      memory.TargetedCriteria,
		Conversation:  memory.History,
		Question:      strings.TrimSpace(question),
		Level:         level,
	})
	if err != nil {
		return templateReply(memory, level), "neutral", nil
	}

	wire, err := oracle.Call[replyWire](ctx, a.oracle, oracle.User(string(payload)))
	if err != nil {
		var schemaErr *oracle.SchemaError
		if !errors.As(err, &schemaErr) {
			return "", "", err
		}
		slog.Warn("Candidate oracle schema failure; using template reply", "level", level, "error", err)
		return templateReply(memory, level), "neutral", nil
	}
	return strings.TrimSpace(wire.Answer), wire.Tone, nil
}

func personaForLevel(level int) (string, int) {
	if level < 1 {
		level = 1
	}
	if level > 5 {
		level = 5
	}
	return levelPersonas[level], level
}

// templateReply is the offline fallback. The weakest levels stay vague on
// purpose so the monitor and evaluator have something to push back on.
func templateReply(memory Memory, level int) string {
	topic := memory.Competency
	if topic == "" {
		topic = "that area"
	}
	focus := "the main goal"
	if len(memory.TargetedCriteria) > 0 {
		focus = memory.TargetedCriteria[0]
	}

	switch level {
	case 1:
		return "We used all the modern tools for that, so it mostly just worked."
	case 2:
		return fmt.Sprintf("I handled %s day to day. I followed our runbook, ran the usual steps, and escalated when something looked off.", topic)
	case 3:
		return fmt.Sprintf("On %s I owned the rollout end to end. I chose the simpler design because it covered %s, added retries for the common failure mode, and we shipped on time.", topic, focus)
	case 4:
		return fmt.Sprintf("For %s I compared two approaches and picked the one with lower operational risk. Key decision was isolating %s behind an interface; we added monitoring up front and the design held up as load grew.", topic, focus)
	default:
		return fmt.Sprintf("I framed %s as an organization-wide concern. I set a standard for %s across teams, tied it to a measurable business outcome, and built in governance so the approach survives team turnover.", topic, focus)
	}
}

func clampSummary(s string, limit int) string {
	compact := strings.Join(strings.Fields(s), " ")
	if len(compact) <= limit {
		return compact
	}
	return strings.TrimRight(compact[:limit-1], " ") + "…"
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
