// Package llm wraps chat-completion providers behind a narrow interface so
// the extraction and reply paths can be tested with stubs.
package llm

import "context"

// Message is one turn in a chat completion request.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client produces a completion for a system prompt plus message history.
type Client interface {
	Complete(ctx context.Context, system string, messages []Message, opts CompleteOptions) (string, error)
}

// CompleteOptions tunes a single completion call. Zero values mean provider
// defaults.
type CompleteOptions struct {
	Temperature float32
	MaxTokens   int
}
