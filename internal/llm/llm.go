// Package llm wraps the external generation capability. The core never
// performs inference itself; providers here are thin transport clients.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrGeneration marks a capability call that returned no usable text.
	ErrGeneration = errors.New("generation returned no output")

	// ErrParse marks structured output that could not be decoded.
	ErrParse = errors.New("structured output malformed")
)

// Part is one piece of a multimodal prompt. Text parts carry Text; binary
// parts carry MIMEType and Data.
type Part struct {
	Text     string
	MIMEType string
	Data     []byte
}

// Provider is the generation capability consumed by the agents. Calls
// block until the capability responds; callers own timeout and retry
// policy through ctx.
type Provider interface {
	// Generate returns free text for a prompt. Fails with ErrGeneration
	// when no text comes back.
	Generate(ctx context.Context, prompt string) (string, error)

	// GenerateStructured decodes a JSON response into out. Fails with
	// ErrParse when the response cannot be decoded.
	GenerateStructured(ctx context.Context, prompt string, out interface{}) error

	// GenerateWithAttachment returns free text for a mixed prompt, used
	// for chart critique. Same failure contract as Generate.
	GenerateWithAttachment(ctx context.Context, parts []Part) (string, error)
}
