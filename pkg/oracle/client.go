package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/httpclient"
)

// Client calls one named oracle route.
type Client struct {
	name    string
	cfg     *config.OracleConfig
	http    *httpclient.Client
	observe Observer
}

// Observer receives the outcome of every chat round trip on a route: the
// route name, the terminal error if any, and the total token count from
// the upstream usage block (zero when the call failed).
type Observer func(ctx context.Context, route string, err error, tokens int64)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client (used in tests).
func WithHTTPClient(h *httpclient.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithObserver registers a callback invoked after every chat round trip.
func WithObserver(fn Observer) ClientOption {
	return func(c *Client) {
		c.observe = fn
	}
}

// NewClient creates a client for a named route.
func NewClient(name string, cfg *config.OracleConfig, opts ...ClientOption) *Client {
	c := &Client{
		name: name,
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(1*time.Second),
		)
	}
	return c
}

// Name returns the route name.
func (c *Client) Name() string {
	return c.name
}

// routeLocks serializes calls to routes marked sequential. One mutex per
// route name, process-wide.
var routeLocks sync.Map

func (c *Client) lockRoute() func() {
	if !c.cfg.Sequential {
		return func() {}
	}
	v, _ := routeLocks.LoadOrStore(c.name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a raw message array and returns the assistant content.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	content, tokens, err := c.chat(ctx, messages)
	if c.observe != nil {
		c.observe(ctx, c.name, err, tokens)
	}
	return content, err
}

func (c *Client) chat(ctx context.Context, messages []Message) (string, int64, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return "", 0, &TransportError{Route: c.name, StatusCode: status, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &TransportError{Route: c.name, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 400 {
		return "", 0, &TransportError{
			Route:      c.name,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", truncateBody(body)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, &TransportError{Route: c.name, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response envelope: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", 0, &TransportError{Route: c.name, StatusCode: resp.StatusCode, Err: fmt.Errorf("response has no choices")}
	}

	tokens := int64(parsed.Usage.PromptTokens + parsed.Usage.CompletionTokens)
	return parsed.Choices[0].Message.Content, tokens, nil
}

// Call invokes the route and decodes the reply into T. When the route
// enforces structured output, the reflected JSON Schema for T is prepended
// as a system message. Validation failures are retried up to the
// configured count, each retry naming the previous error; transport
// failures propagate immediately.
func Call[T any](ctx context.Context, c *Client, messages ...Message) (*T, error) {
	convo := make([]Message, 0, len(messages)+1)
	if c.cfg.SchemaEnforced() {
		var zero T
		convo = append(convo, System(
			"Reply with a single JSON object that conforms to this JSON Schema. No markdown fences, no prose.\n\n"+
				schemaJSON(reflect.TypeOf(zero)),
		))
	}
	convo = append(convo, messages...)

	unlock := c.lockRoute()
	defer unlock()

	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			convo = append(convo, System(fmt.Sprintf(
				"The previous reply failed validation: %v. Return only the corrected JSON object.", lastErr)))
		}

		raw, err := c.Chat(ctx, convo)
		if err != nil {
			return nil, err
		}

		out := new(T)
		if err := json.Unmarshal([]byte(stripFences(raw)), out); err != nil {
			lastErr = err
			continue
		}
		if v, ok := any(out).(Validator); ok {
			if err := v.Validate(); err != nil {
				lastErr = err
				continue
			}
		}
		return out, nil
	}

	return nil, &SchemaError{Route: c.name, Attempts: attempts, Err: lastErr}
}

// Step is a runnable unit usable in a sequential pipeline.
type Step func(ctx context.Context, input string) (string, error)

// Step returns a runnable that prepends the given system prompt and treats
// the pipeline input as the user message.
func (c *Client) Step(system string) Step {
	return func(ctx context.Context, input string) (string, error) {
		messages := []Message{}
		if system != "" {
			messages = append(messages, System(system))
		}
		messages = append(messages, User(input))
		return c.Chat(ctx, messages)
	}
}

// Sequence chains steps, feeding each output into the next input.
func Sequence(steps ...Step) Step {
	return func(ctx context.Context, input string) (string, error) {
		var err error
		for _, step := range steps {
			input, err = step(ctx, input)
			if err != nil {
				return "", err
			}
		}
		return input, nil
	}
}

// schemaCache memoizes reflected schemas per result type.
var schemaCache sync.Map

func schemaJSON(t reflect.Type) string {
	if cached, ok := schemaCache.Load(t); ok {
		return cached.(string)
	}

	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.ReflectFromType(t)
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		// Reflection output always marshals; this guards future schema types.
		data = []byte("{}")
	}

	schemaCache.Store(t, string(data))
	return string(data)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx != -1 {
		// Drop the language tag line (```json).
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
