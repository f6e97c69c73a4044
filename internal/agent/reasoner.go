// Package agent runs the bounded tool-use loop that drives one worker run:
// model call, parse one tool invocation, execute it, feed the result back.
package agent

import "context"

// Message roles in a conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation sent to a Reasoner.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion request.
type Request struct {
	// Model overrides the reasoner's default model when non-empty.
	Model    string
	System   string
	Messages []Message
}

// Reasoner turns a conversation into the next assistant message.
type Reasoner interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f ReasonerFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
