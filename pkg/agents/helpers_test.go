package agents

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/httpclient"
	"github.com/vettaio/vetta/pkg/oracle"
)

// testOracle builds a client against a local stub route.
func testOracle(t *testing.T, handler http.HandlerFunc) *oracle.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.OracleConfig{Endpoint: server.URL, Model: "test-model"}
	return oracle.NewClient("test", cfg, oracle.WithHTTPClient(httpclient.New(
		httpclient.WithMaxRetries(0),
		httpclient.WithBaseDelay(time.Millisecond),
	)))
}

// chatReply serves a fixed assistant message in the chat envelope.
func chatReply(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}
}

func serveJSON(t *testing.T, v any) http.HandlerFunc {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal stub reply: %v", err)
	}
	return chatReply(string(data))
}
