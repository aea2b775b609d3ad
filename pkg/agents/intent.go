package agents

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/session"
)

// Intents the flow routes on. Anything else is treated as an answer.
const (
	IntentAskHint    = "ask_hint"
	IntentAskThink   = "ask_think"
	IntentAskPause   = "ask_pause"
	IntentAskClarify = "ask_clarify"
	IntentAnswer     = "answer"
	IntentOther      = "other"
)

// ConfidenceThreshold is the floor below which a classification is coerced
// to a clarify request rather than trusted.
const ConfidenceThreshold = 0.60

// IntentResult is the classified intent of a candidate message.
type IntentResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// IntentClassifier labels candidate messages through the intent oracle.
type IntentClassifier struct {
	oracle           *oracle.Client
	lowContentTokens int
}

// NewIntentClassifier creates a classifier bound to the intent route.
func NewIntentClassifier(client *oracle.Client, lowContentTokens int) *IntentClassifier {
	return &IntentClassifier{oracle: client, lowContentTokens: lowContentTokens}
}

type intentPayload struct {
	Stage        string         `json:"stage"`
	QuestionText string         `json:"question_text"`
	UserMsg      string         `json:"user_msg"`
	Context      map[string]any `json:"context"`
	Policy       map[string]any `json:"policy"`
}

// Classify labels one message. A schema failure degrades to other/0.0,
// which the confidence floor then coerces to ask_clarify.
func (c *IntentClassifier) Classify(ctx context.Context, stage session.Stage, questionText, userMsg string) (*IntentResult, error) {
	payload, err := json.Marshal(intentPayload{
		Stage:        string(stage),
		QuestionText: questionText,
		UserMsg:      userMsg,
		Context:      map[string]any{},
		Policy: map[string]any{
			"low_content_tokens": c.lowContentTokens,
			"allow_shortcuts":    false,
		},
	})
	if err != nil {
		return nil, err
	}

	result, err := oracle.Call[IntentResult](ctx, c.oracle, oracle.User(string(payload)))
	if err != nil {
		var schemaErr *oracle.SchemaError
		if !errors.As(err, &schemaErr) {
			return nil, err
		}
		slog.Warn("Intent oracle schema failure; falling back", "error", err)
		result = &IntentResult{Intent: IntentOther, Confidence: 0.0, Rationale: "fallback parsing"}
	}

	if result.Confidence < ConfidenceThreshold {
		return &IntentResult{
			Intent:     IntentAskClarify,
			Confidence: result.Confidence,
			Rationale:  result.Rationale,
		}, nil
	}
	return result, nil
}
