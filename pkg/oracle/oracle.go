// Package oracle adapts named upstream model routes into typed
// structured-output calls. Each route speaks an OpenAI-compatible chat
// completion API; replies are validated against a JSON Schema reflected
// from the Go result type.
package oracle

import (
	"fmt"
)

// Message is one chat turn sent to or received from a route.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// TransportError reports a network or HTTP failure talking to a route.
// These propagate to the caller as 502-class failures.
type TransportError struct {
	Route      string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("oracle %s: HTTP %d: %v", e.Route, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("oracle %s: %v", e.Route, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SchemaError reports a reply that failed schema validation after all
// retries. Callers recover locally with documented fallbacks.
type SchemaError struct {
	Route    string
	Attempts int
	Err      error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("oracle %s: invalid structured output after %d attempts: %v", e.Route, e.Attempts, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// Validator lets result types add semantic checks beyond JSON decoding.
type Validator interface {
	Validate() error
}
