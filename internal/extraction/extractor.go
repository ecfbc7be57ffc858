// Package extraction turns free-text chat into structured blood-glucose
// readings and generates conversational replies when no reading is present.
// The AI calls sit behind small interfaces so the server and its tests do
// not depend on a live model.
package extraction

import (
	"context"
	"time"

	"glucolog/internal/types"
)

// Result is the outcome of an extraction attempt. Exactly one of Reading or
// Reason is meaningful: Found selects which.
type Result struct {
	Found   bool
	Reading types.Reading

	// Reason explains why no reading could be extracted.
	Reason string
}

// Extractor parses a structured reading out of natural language, resolving
// relative dates ("today", "yesterday") against the provided date.
type Extractor interface {
	Extract(ctx context.Context, input string, today time.Time) (Result, error)
}

// Conversationalist produces a free-form assistant reply for input that
// carried no extractable reading. history is the session transcript so far.
type Conversationalist interface {
	Reply(ctx context.Context, input string, history []types.Message) (string, error)
}

// Agent bundles both capabilities; the Gemini implementation satisfies it.
type Agent interface {
	Extractor
	Conversationalist
}
