package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vettaio/vetta/pkg/agents"
	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/engine"
	"github.com/vettaio/vetta/pkg/httpclient"
	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/safety"
	"github.com/vettaio/vetta/pkg/session"
)

const answerReply = "I led the redesign of our checkout flow, chose a queue-backed boundary over " +
	"synchronous calls, and verified the decision with a month of latency data."

func stubRoute(t *testing.T, name string, handler http.HandlerFunc) *oracle.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.OracleConfig{Endpoint: srv.URL, Model: "test-model"}
	return oracle.NewClient(name, cfg, oracle.WithHTTPClient(httpclient.New(
		httpclient.WithMaxRetries(0),
		httpclient.WithBaseDelay(time.Millisecond),
	)))
}

func chatReply(t *testing.T, v any) http.HandlerFunc {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": string(body)}},
			},
		})
	}
}

type serverHarness struct {
	handler http.Handler
	now     time.Time
}

// newServerHarness wires a server over a real engine with stub oracle
// routes. evaluatorDown makes the evaluator route return HTTP 500.
func newServerHarness(t *testing.T, evaluatorDown bool) *serverHarness {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Interview.SessionTTL = time.Hour

	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	intent := stubRoute(t, "intent", chatReply(t, map[string]any{
		"intent": "answer", "confidence": 0.95,
	}))

	var evaluator *oracle.Client
	if evaluatorDown {
		evaluator = stubRoute(t, "evaluator", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusInternalServerError)
		})
	} else {
		evaluator = stubRoute(t, "evaluator", chatReply(t, map[string]any{
			"criterion_scores": []map[string]any{
				{"id": "decomposition", "score": 4},
				{"id": "tradeoffs", "score": 4},
				{"id": "evidence", "score": 3},
			},
		}))
	}

	h := &serverHarness{now: time.Now().UTC()}
	eng := engine.New(cfg, store,
		&oracle.Registry{Intent: intent, Evaluator: evaluator},
		safety.NewEngine(t.TempDir()+"/missing.yaml"),
		nil, nil,
		agents.StaticCosine(0.70),
		engine.WithClock(func() time.Time { return h.now }),
		engine.WithIDGenerator(func() string { return "sess-test" }),
	)

	h.handler = New(cfg, eng, nil).Handler()
	return h
}

func (h *serverHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *serverHarness) startSession(t *testing.T) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/interviews", map[string]string{
		"interview_id": "iv-1",
		"candidate_id": "cand-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	h := newServerHarness(t, false)

	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestCORSPreflight(t *testing.T) {
	h := newServerHarness(t, false)

	rec := h.do(t, http.MethodOptions, "/v1/interviews", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStart_Created(t *testing.T) {
	h := newServerHarness(t, false)

	rec := h.do(t, http.MethodPost, "/v1/interviews", map[string]string{
		"interview_id": "iv-1",
		"candidate_id": "cand-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "sess-test", body["session_id"])
	assert.Equal(t, "ASK", body["decision"])
	assert.NotNil(t, body["question"])
}

func TestStart_MalformedBody(t *testing.T) {
	h := newServerHarness(t, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/interviews", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed request body", decodeBody(t, rec)["error"])
}

func TestStart_ValidationError(t *testing.T) {
	h := newServerHarness(t, false)

	rec := h.do(t, http.MethodPost, "/v1/interviews", map[string]string{"candidate_id": "cand-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "interview_id")
}

func TestTurn_OK(t *testing.T) {
	h := newServerHarness(t, false)
	h.startSession(t)

	rec := h.do(t, http.MethodPost, "/v1/interviews/sess-test/turns", map[string]any{
		"user_msg": answerReply,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ASK", body["decision"])
	assert.NotNil(t, body["live_scores"])
}

func TestTurn_UnknownSession(t *testing.T) {
	h := newServerHarness(t, false)

	rec := h.do(t, http.MethodPost, "/v1/interviews/nope/turns", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session not found", decodeBody(t, rec)["error"])
}

func TestTurn_InvalidSessionID(t *testing.T) {
	h := newServerHarness(t, false)

	rec := h.do(t, http.MethodPost, "/v1/interviews/x..y/turns", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTurn_ExpiredSessionGone(t *testing.T) {
	h := newServerHarness(t, false)
	h.startSession(t)

	h.now = h.now.Add(2 * time.Hour)
	rec := h.do(t, http.MethodPost, "/v1/interviews/sess-test/turns", map[string]any{})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "session expired", decodeBody(t, rec)["error"])
}

func TestTurn_OracleDownBadGateway(t *testing.T) {
	h := newServerHarness(t, true)
	h.startSession(t)

	rec := h.do(t, http.MethodPost, "/v1/interviews/sess-test/turns", map[string]any{
		"user_msg": answerReply,
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "upstream model unavailable", body["error"])

	// The error envelope still carries a line the client can render.
	msgs, ok := body["ui_messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	first, ok := msgs[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, first["text"], "progress is saved")
}

func TestGet_Snapshot(t *testing.T) {
	h := newServerHarness(t, false)
	h.startSession(t)

	rec := h.do(t, http.MethodGet, "/v1/interviews/sess-test/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "sess-test", body["session_id"])
	assert.Equal(t, "warmup", body["stage"])
}

func TestFinish_Completes(t *testing.T) {
	h := newServerHarness(t, false)
	h.startSession(t)

	rec := h.do(t, http.MethodPost, "/v1/interviews/sess-test/finish", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETE", decodeBody(t, rec)["decision"])
}
