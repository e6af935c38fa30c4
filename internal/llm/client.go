// Package llm defines the language-model boundary: a blocking generate
// call plus best-effort decoding of the JSON the model was asked for.
package llm

import "context"

// Client is the opaque language-model collaborator. Generate returns the
// raw completion text; transport and timeout policy belong to the
// implementation, not the caller.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function to the Client interface.
type Func func(ctx context.Context, prompt string) (string, error)

// Generate implements Client.
func (f Func) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
