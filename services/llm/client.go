package llm

import (
	"context"

	"github.com/spectraflex/omnichat/services/gateway/datatypes"
)

// Completion is one completion call's output. TokensUsed is the
// provider-reported total (prompt + completion) so the gateway can charge
// it against the session budget.
type Completion struct {
	Text       string
	TokensUsed int
}

// Client defines the standard interface for any LLM backend the gateway
// can run against: chat completion with token accounting, moderation of
// shopper input, and query embedding for vector search.
type Client interface {
	Complete(ctx context.Context, turns []datatypes.ChatTurn, maxTokens int) (*Completion, error)
	Moderate(ctx context.Context, text string) (bool, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}
