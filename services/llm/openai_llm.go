package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/spectraflex/omnichat/services/gateway/datatypes"
)

// OpenAIClient implements Client against the OpenAI API.
type OpenAIClient struct {
	client     *openai.Client
	chatModel  string
	embedModel string
}

// NewOpenAIClient configures a client from the environment. The API key
// may come from OPENAI_API_KEY or a mounted container secret.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	chatModel := os.Getenv("OPENAI_MODEL_CHAT")
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL_CHAT not set, defaulting to gpt-4o-mini")
	}
	embedModel := os.Getenv("OPENAI_MODEL_EMBED")
	if embedModel == "" {
		embedModel = string(openai.SmallEmbedding3)
		slog.Warn("OPENAI_MODEL_EMBED not set, defaulting to text-embedding-3-small")
	}

	slog.Info("Initializing OpenAI client", "chatModel", chatModel, "embedModel", embedModel)
	return &OpenAIClient{
		client:     openai.NewClient(apiKey),
		chatModel:  chatModel,
		embedModel: embedModel,
	}, nil
}

// Complete implements Client.
func (o *OpenAIClient) Complete(ctx context.Context, turns []datatypes.ChatTurn, maxTokens int) (*Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    t.Role,
			Content: t.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:    o.chatModel,
		Messages: messages,
	}
	if maxTokens > 0 {
		req.MaxCompletionTokens = maxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI completion call failed", "error", err)
		return nil, fmt.Errorf("OpenAI completion call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return nil, fmt.Errorf("OpenAI returned no choices")
	}

	slog.Debug("Received completion from OpenAI",
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens)
	return &Completion{
		Text:       strings.TrimSpace(resp.Choices[0].Message.Content),
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// Moderate implements Client.
func (o *OpenAIClient) Moderate(ctx context.Context, text string) (bool, error) {
	resp, err := o.client.Moderations(ctx, openai.ModerationRequest{Input: text})
	if err != nil {
		return false, fmt.Errorf("OpenAI moderation call failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return false, nil
	}
	return resp.Results[0].Flagged, nil
}

// Embed implements Client.
func (o *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.embedModel),
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI embedding call failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("OpenAI returned no embedding data")
	}
	return resp.Data[0].Embedding, nil
}
