package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/httpclient"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func (w *widget) Validate() error {
	if w.Count < 0 {
		return fmt.Errorf("count must be nonnegative")
	}
	return nil
}

// fakeOracle serves canned assistant replies and records every request.
type fakeOracle struct {
	replies  []string
	status   int
	requests []chatRequest
}

func (f *fakeOracle) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.requests = append(f.requests, req)

		if f.status >= 400 {
			http.Error(w, "upstream unavailable", f.status)
			return
		}

		reply := f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
		})
	}
}

func testClient(t *testing.T, fake *fakeOracle, cfg *config.OracleConfig) *Client {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	cfg.Endpoint = server.URL
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	return NewClient("test", cfg, WithHTTPClient(httpclient.New(
		httpclient.WithMaxRetries(0),
		httpclient.WithBaseDelay(time.Millisecond),
	)))
}

func TestCall_DecodesFencedReply(t *testing.T) {
	fake := &fakeOracle{replies: []string{"```json\n{\"name\": \"probe\", \"count\": 2}\n```"}}
	client := testClient(t, fake, &config.OracleConfig{MaxRetries: 1})

	out, err := Call[widget](context.Background(), client, User("make a widget"))
	require.NoError(t, err)
	assert.Equal(t, &widget{Name: "probe", Count: 2}, out)

	// Schema enforcement prepends the reflected schema as a system message.
	require.NotEmpty(t, fake.requests)
	first := fake.requests[0].Messages[0]
	assert.Equal(t, RoleSystem, first.Role)
	assert.Contains(t, first.Content, "JSON Schema")
	assert.Contains(t, first.Content, "count")
}

func TestCall_RetriesNamingPriorError(t *testing.T) {
	fake := &fakeOracle{replies: []string{
		"this is not json",
		`{"name": "second try", "count": 1}`,
	}}
	client := testClient(t, fake, &config.OracleConfig{MaxRetries: 1})

	out, err := Call[widget](context.Background(), client, User("go"))
	require.NoError(t, err)
	assert.Equal(t, "second try", out.Name)

	require.Len(t, fake.requests, 2)
	retry := fake.requests[1]
	last := retry.Messages[len(retry.Messages)-1]
	assert.Equal(t, RoleSystem, last.Role)
	assert.Contains(t, last.Content, "failed validation")
}

func TestCall_SchemaErrorAfterExhaustedRetries(t *testing.T) {
	fake := &fakeOracle{replies: []string{"still not json"}}
	client := testClient(t, fake, &config.OracleConfig{MaxRetries: 2})

	_, err := Call[widget](context.Background(), client, User("go"))
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "test", schemaErr.Route)
	assert.Equal(t, 3, schemaErr.Attempts)
	assert.Len(t, fake.requests, 3)
}

func TestCall_ValidatorRejectionRetries(t *testing.T) {
	fake := &fakeOracle{replies: []string{
		`{"name": "bad", "count": -1}`,
		`{"name": "good", "count": 0}`,
	}}
	client := testClient(t, fake, &config.OracleConfig{MaxRetries: 1})

	out, err := Call[widget](context.Background(), client, User("go"))
	require.NoError(t, err)
	assert.Equal(t, "good", out.Name)
}

func TestCall_TransportErrorPropagates(t *testing.T) {
	fake := &fakeOracle{status: http.StatusInternalServerError}
	client := testClient(t, fake, &config.OracleConfig{MaxRetries: 2})

	_, err := Call[widget](context.Background(), client, User("go"))
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "test", transportErr.Route)
	assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	// Transport failures are terminal; no schema retry loop.
	assert.Len(t, fake.requests, 1)
}

func TestCall_SchemaDisabledSkipsSystemMessage(t *testing.T) {
	enforce := false
	fake := &fakeOracle{replies: []string{`{"name": "free", "count": 1}`}}
	client := testClient(t, fake, &config.OracleConfig{MaxRetries: 1, EnforceSchema: &enforce})

	_, err := Call[widget](context.Background(), client, User("go"))
	require.NoError(t, err)

	require.Len(t, fake.requests, 1)
	assert.Equal(t, RoleUser, fake.requests[0].Messages[0].Role)
}

func TestChat_AuthorizationHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer server.Close()

	cfg := &config.OracleConfig{Endpoint: server.URL, Model: "m", APIKey: "sk-test"}
	client := NewClient("auth", cfg, WithHTTPClient(httpclient.New(httpclient.WithMaxRetries(0))))

	out, err := client.Chat(context.Background(), []Message{User("hi")})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestChat_ObserverSeesTokensAndErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
		})
	}))
	defer server.Close()

	type observed struct {
		route  string
		err    error
		tokens int64
	}
	var calls []observed

	cfg := &config.OracleConfig{Endpoint: server.URL, Model: "m"}
	client := NewClient("intent", cfg,
		WithHTTPClient(httpclient.New(httpclient.WithMaxRetries(0))),
		WithObserver(func(_ context.Context, route string, err error, tokens int64) {
			calls = append(calls, observed{route: route, err: err, tokens: tokens})
		}),
	)

	_, err := client.Chat(context.Background(), []Message{User("hi")})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "intent", calls[0].route)
	assert.NoError(t, calls[0].err)
	assert.Equal(t, int64(15), calls[0].tokens)

	// A transport failure still reaches the observer, with no tokens.
	server.Close()
	_, err = client.Chat(context.Background(), []Message{User("hi")})
	require.Error(t, err)
	require.Len(t, calls, 2)
	assert.Error(t, calls[1].err)
	assert.Zero(t, calls[1].tokens)
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                     `{"a":1}`,
		"```json\n{\"a\":1}\n```":       `{"a":1}`,
		"```\n{\"a\":1}\n```":           `{"a":1}`,
		"  ```json\n{\"a\": 1}\n```   ": `{"a": 1}`,
		"no fences, just text":          "no fences, just text",
	}
	for in, want := range cases {
		assert.Equal(t, want, stripFences(in), "input %q", in)
	}
}

func TestSequence(t *testing.T) {
	upper := Step(func(ctx context.Context, in string) (string, error) {
		return strings.ToUpper(in), nil
	})
	bang := Step(func(ctx context.Context, in string) (string, error) {
		return in + "!", nil
	})
	out, err := Sequence(upper, bang)(context.Background(), "hey")
	require.NoError(t, err)
	assert.Equal(t, "HEY!", out)

	failing := Step(func(ctx context.Context, in string) (string, error) {
		return "", errors.New("boom")
	})
	_, err = Sequence(upper, failing, bang)(context.Background(), "hey")
	assert.Error(t, err)
}
