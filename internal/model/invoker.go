// Package model abstracts the text-completion endpoint used for SQL
// generation and narration. The embedding model configured alongside is
// produced for other consumers and never invoked here.
package model

import "context"

// Prompt is one request to a text model.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Invoker sends a prompt to a named model and returns the raw completion.
// Implementations must be safe for concurrent use.
type Invoker interface {
	Invoke(ctx context.Context, modelID string, prompt Prompt) (string, error)
}
