package app

import (
	"context"
	"strings"

	"aidoctor/internal/util"
	"aidoctor/pkg/ai"
)

// Fallback replies substituted when the model returns an empty
// completion. The upload variant acknowledges the document so the user
// is not left with a generic apology right after sharing a file.
const (
	chatFallbackReply   = "Sorry, I could not process your request."
	uploadFallbackReply = "I've received your document. I've reviewed the content but may not understand all medical details perfectly. Is there anything specific you'd like me to help explain?"
)

// modelGateway is the single seam to the completion model: one attempt
// per call, empty completions replaced with a caller-chosen fallback,
// failures surfaced as ai.ErrModelUnavailable for the caller to map.
type modelGateway struct {
	completions ai.CompletionService
	model       string
}

func (g modelGateway) reply(ctx context.Context, turns []ai.Turn, maxTokens int, fallback string) (string, error) {
	logger := util.LoggerFromContext(ctx)
	content, err := g.completions.Complete(ctx, turns, g.model, maxTokens)
	if err != nil {
		logger.Warn("model call failed", "model", g.model, "error", err)
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		logger.Warn("model returned empty completion", "model", g.model)
		return fallback, nil
	}
	return content, nil
}
