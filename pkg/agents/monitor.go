package agents

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/safety"
	"github.com/vettaio/vetta/pkg/session"
)

// Monitor actions, in escalating order of intervention.
const (
	MonitorAllow           = "ALLOW"
	MonitorRemind          = "REMIND"
	MonitorNudgeDepth      = "NUDGE_DEPTH"
	MonitorRedirect        = "REDIRECT"
	MonitorBlockAndRefocus = "BLOCK_AND_REFOCUS"
)

// MonitorResult is the per-message gate decision. When Proceed is false the
// safe reply is shown instead of running the rest of the pipeline.
type MonitorResult struct {
	Action       string   `json:"action"`
	Severity     string   `json:"severity"`
	ReasonCodes  []string `json:"reason_codes"`
	Rationale    string   `json:"rationale,omitempty"`
	SafeReply    string   `json:"safe_reply,omitempty"`
	QuickActions []string `json:"quick_actions,omitempty"`
	Proceed      bool     `json:"proceed_to_intent_classifier"`

	Cosine     float64 `json:"-"`
	TokenCount int     `json:"-"`
}

// FlagRecord is one persisted intervention row.
type FlagRecord struct {
	InterviewID string
	CandidateID string
	SessionID   string
	Stage       string
	QuestionID  string
	Action      string
	Severity    string
	ReasonCodes []string
	RawText     string
	SafeReply   string
	SkipStreak  int
	Cosine      float64
	TokenCount  int
	SafetyHits  []string
}

// FlagSink persists intervention flags. Writes are best effort; a sink
// error never fails the turn.
type FlagSink interface {
	InsertFlag(ctx context.Context, flag FlagRecord) error
}

// TopicContext describes the active question for relevance scoring.
type TopicContext struct {
	Stage        session.Stage
	QuestionID   string
	QuestionText string
}

// CosineFunc scores topical relevance of a message in [0,1].
type CosineFunc func(msg string, topic TopicContext) float64

// StaticCosine returns a provider that always reports the given score.
// Stands in until an embedding backend is wired.
func StaticCosine(score float64) CosineFunc {
	return func(string, TopicContext) float64 {
		return score
	}
}

// Monitor gates every candidate message through safety rules, relevance and
// content heuristics, and an oracle refinement pass.
type Monitor struct {
	oracle *oracle.Client
	safety *safety.Engine
	flags  FlagSink
	flow   config.FlowConfig
	cosine CosineFunc
}

// NewMonitor creates a monitor. The flag sink may be nil; the cosine
// provider defaults to a static 0.70.
func NewMonitor(client *oracle.Client, eng *safety.Engine, flags FlagSink, flow config.FlowConfig, cosine CosineFunc) *Monitor {
	if cosine == nil {
		cosine = StaticCosine(0.70)
	}
	return &Monitor{
		oracle: client,
		safety: eng,
		flags:  flags,
		flow:   flow,
		cosine: cosine,
	}
}

// MonitorInput is one candidate message plus the counters that shape the
// decision. A nil UserMsg means no message arrived this turn.
type MonitorInput struct {
	InterviewID    string
	CandidateID    string
	SessionID      string
	Stage          session.Stage
	QuestionID     string
	QuestionText   string
	UserMsg        *string
	SkipStreak     int
	BlocksInRow    int
	HintsUsedStage int
	ContextTags    []string
}

// monitorPayload is the structured context forwarded to the monitor oracle.
type monitorPayload struct {
	Stage        string         `json:"stage"`
	QuestionText string         `json:"question_text"`
	UserMsg      string         `json:"user_msg"`
	Embeddings   map[string]any `json:"embeddings"`
	Counts       map[string]int `json:"counts"`
	Settings     map[string]any `json:"settings"`
	ContextTags  []string       `json:"context_tags"`
	SafetyHits   []string       `json:"safety_hits"`
	ForcedAction string         `json:"forced_action"`
}

// TokenCount approximates token length by whitespace splitting.
func TokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	return len(strings.Fields(trimmed))
}

// chooseSeverity derives severity from reason codes and the block streak.
func chooseSeverity(reasonCodes []string, blocksInRow int) string {
	has := func(code string) bool {
		for _, c := range reasonCodes {
			if c == code {
				return true
			}
		}
		return false
	}
	switch {
	case has("unsafe"):
		return safety.SeverityCritical
	case has("jailbreak"):
		if blocksInRow >= 2 {
			return safety.SeverityCritical
		}
		return safety.SeverityHigh
	case has("off_topic"), has("low_content"):
		return safety.SeverityLow
	default:
		return safety.SeverityInfo
	}
}

// DefaultQuickActions is the fallback palette per action.
func DefaultQuickActions(action string) []string {
	switch action {
	case MonitorRemind:
		return []string{session.ActionHint, session.ActionThink30, session.ActionRepeat, session.ActionSkip}
	case MonitorRedirect, MonitorNudgeDepth:
		return []string{session.ActionHint, session.ActionRepeat, session.ActionSkip}
	case MonitorBlockAndRefocus:
		return []string{session.ActionRepeat}
	default:
		return nil
	}
}

func defaultSafeReplyCore(action string) string {
	switch action {
	case MonitorNudgeDepth:
		return "Could you add what you did, a key decision, and the outcome?"
	case MonitorRedirect:
		return "Could you walk me through that project instead?"
	case MonitorBlockAndRefocus:
		return "Let's keep exploring your experience with this question."
	default:
		return ""
	}
}

func personaPurposeFor(action string) (Purpose, bool) {
	switch action {
	case MonitorRemind:
		return PurposeRemind, true
	case MonitorNudgeDepth:
		return PurposeNudgeDepth, true
	case MonitorRedirect:
		return PurposeRedirect, true
	case MonitorBlockAndRefocus:
		return PurposeBlockRefocus, true
	default:
		return "", false
	}
}

// Run gates one message. With no message the turn is allowed through
// unconditionally so intent classification can handle quick actions.
func (m *Monitor) Run(ctx context.Context, in MonitorInput, persona string) (*MonitorResult, error) {
	if in.UserMsg == nil {
		return &MonitorResult{
			Action:      MonitorAllow,
			Severity:    safety.SeverityInfo,
			ReasonCodes: []string{},
			Rationale:   "no candidate message this turn",
			Proceed:     true,
			Cosine:      1.0,
		}, nil
	}

	msg := *in.UserMsg
	tokenLen := TokenCount(msg)
	cosine := m.cosine(msg, TopicContext{
		Stage:        in.Stage,
		QuestionID:   in.QuestionID,
		QuestionText: in.QuestionText,
	})

	var finding safety.Finding
	if m.safety != nil {
		finding = m.safety.Analyze(msg, in.ContextTags)
	}
	// An allow-listed match is treated as clean.
	if finding.AllowListReason != "" {
		finding = safety.Finding{Severity: safety.SeverityInfo}
	}

	action := MonitorAllow
	var reasonCodes []string
	severityOverride := ""

	trimmed := strings.TrimSpace(msg)
	switch {
	case trimmed == "" || trimmed == "..." || trimmed == "…":
		action = MonitorRemind
		reasonCodes = []string{"silence"}
	case finding.Category == safety.CategoryUnsafe:
		action = MonitorBlockAndRefocus
		reasonCodes = []string{"unsafe"}
		severityOverride = finding.Severity
	case finding.Category == safety.CategoryJailbreak:
		action = MonitorBlockAndRefocus
		reasonCodes = []string{"jailbreak"}
		severityOverride = finding.Severity
	case finding.Category == safety.CategoryPII:
		action = MonitorRedirect
		reasonCodes = []string{"unsafe"}
		severityOverride = finding.Severity
	case finding.Category == safety.CategoryOffTopic:
		action = MonitorRedirect
		reasonCodes = []string{"off_topic"}
		severityOverride = finding.Severity
	case cosine < m.flow.OffTopicCutoff:
		action = MonitorRedirect
		reasonCodes = []string{"off_topic"}
	case tokenLen < m.flow.LowContentTokens:
		action = MonitorNudgeDepth
		reasonCodes = []string{"low_content"}
	}

	severity := severityOverride
	if severity == "" {
		severity = chooseSeverity(reasonCodes, in.BlocksInRow)
	}

	safetyHits := make([]string, 0, len(finding.Hits))
	for _, hit := range finding.Hits {
		safetyHits = append(safetyHits, hit.Pattern)
	}

	result, err := m.refine(ctx, in, msg, action, severity, reasonCodes, cosine, safetyHits)
	if err != nil {
		return nil, err
	}
	result.Severity = severity
	result.Cosine = cosine
	result.TokenCount = tokenLen

	if purpose, ok := personaPurposeFor(result.Action); ok {
		core := result.SafeReply
		if core == "" {
			core = defaultSafeReplyCore(result.Action)
		}
		result.SafeReply = ApplyPersona(core, persona, purpose, 2)
	}

	if result.Action != MonitorAllow && m.flags != nil {
		questionID := in.QuestionID
		if questionID == "" {
			questionID = "NA"
		}
		flag := FlagRecord{
			InterviewID: in.InterviewID,
			CandidateID: in.CandidateID,
			SessionID:   in.SessionID,
			Stage:       string(in.Stage),
			QuestionID:  questionID,
			Action:      result.Action,
			Severity:    result.Severity,
			ReasonCodes: result.ReasonCodes,
			RawText:     msg,
			SafeReply:   result.SafeReply,
			SkipStreak:  in.SkipStreak,
			Cosine:      cosine,
			TokenCount:  tokenLen,
			SafetyHits:  safetyHits,
		}
		if err := m.flags.InsertFlag(ctx, flag); err != nil {
			slog.Warn("Failed to persist intervention flag", "session_id", in.SessionID, "action", result.Action, "error", err)
		}
	}

	return result, nil
}

// refine forwards the heuristic decision to the monitor oracle for
// rationale, safe reply wording, and palette suggestions. A schema failure
// falls back to the heuristic defaults; a transport failure propagates.
func (m *Monitor) refine(ctx context.Context, in MonitorInput, msg, action, severity string, reasonCodes []string, cosine float64, safetyHits []string) (*MonitorResult, error) {
	fallback := func() *MonitorResult {
		return &MonitorResult{
			Action:       action,
			Severity:     severity,
			ReasonCodes:  reasonCodes,
			Rationale:    "schema fallback",
			SafeReply:    defaultSafeReplyCore(action),
			QuickActions: DefaultQuickActions(action),
			Proceed:      action == MonitorAllow,
		}
	}

	if m.oracle == nil {
		return fallback(), nil
	}

	payload, err := json.Marshal(monitorPayload{
		Stage:        string(in.Stage),
		QuestionText: in.QuestionText,
		UserMsg:      msg,
		Embeddings:   map[string]any{"cosine_to_topic": cosine},
		Counts: map[string]int{
			"skip_streak":      in.SkipStreak,
			"blocks_in_row":    in.BlocksInRow,
			"hints_used_stage": in.HintsUsedStage,
		},
		Settings: map[string]any{
			"thresholds": map[string]any{
				"off_topic_cutoff":   m.flow.OffTopicCutoff,
				"low_content_tokens": m.flow.LowContentTokens,
			},
			"think_seconds":       m.flow.ThinkSeconds,
			"hints_cap_per_stage": m.flow.HintsPerStage,
		},
		ContextTags:  in.ContextTags,
		SafetyHits:   safetyHits,
		ForcedAction: action,
	})
	if err != nil {
		return fallback(), nil
	}

	result, err := oracle.Call[MonitorResult](ctx, m.oracle, oracle.User(string(payload)))
	if err != nil {
		var schemaErr *oracle.SchemaError
		if errors.As(err, &schemaErr) {
			slog.Warn("Monitor oracle schema failure; using heuristic decision", "session_id", in.SessionID, "error", err)
			return fallback(), nil
		}
		slog.Error("Monitor oracle transport failure", "session_id", in.SessionID, "error", err)
		return nil, err
	}

	// The heuristic action is authoritative; the oracle may only escalate
	// wording, never downgrade a block.
	if action != MonitorAllow && result.Action == MonitorAllow {
		result.Action = action
	}
	if len(result.ReasonCodes) == 0 {
		result.ReasonCodes = reasonCodes
	}
	if result.SafeReply == "" {
		result.SafeReply = defaultSafeReplyCore(result.Action)
	}
	if result.Action != MonitorAllow {
		result.QuickActions = mergeActions(result.QuickActions, DefaultQuickActions(result.Action))
		result.Proceed = false
	} else {
		result.Proceed = true
	}
	return result, nil
}

func mergeActions(preferred, defaults []string) []string {
	if len(preferred) == 0 {
		return defaults
	}
	var merged []string
	seen := make(map[string]bool)
	for _, item := range append(append([]string{}, preferred...), defaults...) {
		if !seen[item] {
			seen[item] = true
			merged = append(merged, item)
		}
	}
	return merged
}
