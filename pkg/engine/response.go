package engine

import (
	"github.com/vettaio/vetta/pkg/flow"
	"github.com/vettaio/vetta/pkg/scoring"
	"github.com/vettaio/vetta/pkg/session"
)

// UIMessage is one line shown to the candidate.
type UIMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Message roles.
const (
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// UIState mirrors the counters the client renders.
type UIState struct {
	SkipStreak     int `json:"skip_streak"`
	HintsUsedStage int `json:"hints_used_stage"`
	HintsCap       int `json:"hints_cap"`
}

// Response is the assembled turn outcome returned to the transport layer.
type Response struct {
	SessionID    string              `json:"session_id"`
	StateRef     string              `json:"state_ref"`
	Decision     string              `json:"decision"`
	UIMessages   []UIMessage         `json:"ui_messages"`
	Question     *flow.Question      `json:"question"`
	QuickActions []string            `json:"quick_actions"`
	LiveScores   *scoring.LiveScores `json:"live_scores"`
	EventLog     []session.Event     `json:"event_log"`
	UIState      UIState             `json:"ui_state"`
}
