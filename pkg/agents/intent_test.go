package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vettaio/vetta/pkg/session"
)

func TestClassify_TrustsConfidentIntent(t *testing.T) {
	client := testOracle(t, serveJSON(t, map[string]any{
		"intent":     "ask_hint",
		"confidence": 0.92,
		"rationale":  "explicit request for help",
	}))
	c := NewIntentClassifier(client, 12)

	res, err := c.Classify(context.Background(), session.StageCompetency, "How did you split it?", "can I get a hint")
	require.NoError(t, err)
	assert.Equal(t, IntentAskHint, res.Intent)
	assert.Equal(t, 0.92, res.Confidence)
}

func TestClassify_LowConfidenceCoercesToClarify(t *testing.T) {
	client := testOracle(t, serveJSON(t, map[string]any{
		"intent":     "answer",
		"confidence": 0.40,
		"rationale":  "ambiguous phrasing",
	}))
	c := NewIntentClassifier(client, 12)

	res, err := c.Classify(context.Background(), session.StageCompetency, "q", "hmm maybe")
	require.NoError(t, err)
	assert.Equal(t, IntentAskClarify, res.Intent)
	// The original confidence and rationale survive the coercion.
	assert.Equal(t, 0.40, res.Confidence)
	assert.Equal(t, "ambiguous phrasing", res.Rationale)
}

func TestClassify_SchemaFailureFallsBackToClarify(t *testing.T) {
	client := testOracle(t, chatReply("garbage"))
	c := NewIntentClassifier(client, 12)

	res, err := c.Classify(context.Background(), session.StageWarmup, "q", "msg")
	require.NoError(t, err)
	// other/0.0 lands under the confidence floor.
	assert.Equal(t, IntentAskClarify, res.Intent)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Equal(t, "fallback parsing", res.Rationale)
}

func TestClassify_ExactThresholdIsTrusted(t *testing.T) {
	client := testOracle(t, serveJSON(t, map[string]any{
		"intent":     "ask_pause",
		"confidence": 0.60,
	}))
	c := NewIntentClassifier(client, 12)

	res, err := c.Classify(context.Background(), session.StageCompetency, "q", "one sec")
	require.NoError(t, err)
	assert.Equal(t, IntentAskPause, res.Intent)
}
