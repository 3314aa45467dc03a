package ai

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIService implements CompletionService over the OpenAI chat
// completions API. A custom base URL allows any compatible endpoint.
type OpenAIService struct {
	client *openai.Client
}

// NewOpenAIService builds the client. baseURL is optional.
func NewOpenAIService(apiKey, baseURL string) (*OpenAIService, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
	return &OpenAIService{client: openai.NewClientWithConfig(cfg)}, nil
}

// Complete sends one chat-completion request and returns the first
// choice's content. No retries are performed.
func (s *OpenAIService) Complete(ctx context.Context, turns []Turn, model string, maxTokens int) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrModelUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}
