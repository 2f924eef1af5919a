package guildgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

var assistantRequestTimeout = 2 * time.Minute

// AssistantClient is the generation contract consumed by the /ask
// handler. Single-shot, no streaming. [Assistant] implements this
// against the Gemini API; tests substitute a mock.
type AssistantClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Assistant wraps the Gemini client, rate-limiting outbound generation
// requests.
type Assistant struct {
	client         *genai.Client
	model          string
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newAssistant(
	ctx context.Context,
	config *GeminiConfig,
	handler slog.Handler,
) (*Assistant, error) {
	client, err := genai.NewClient(
		ctx,
		&genai.ClientConfig{APIKey: config.APIKey},
	)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Assistant{
		client: client,
		model:  config.Model,
		logger: slog.New(handler).With(
			loggerNameKey,
			"gemini",
		),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			config.MaxRequestsPerSecond,
		),
	}, nil
}

// Generate sends a single generation request and returns the text of the
// first candidate. One attempt, no retries.
func (a *Assistant) Generate(
	ctx context.Context,
	prompt string,
) (string, error) {
	if err := a.requestLimiter.Wait(ctx); err != nil {
		return "", err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, assistantRequestTimeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := a.client.Models.GenerateContent(
		ctx,
		a.model,
		genai.Text(prompt),
		nil,
	)
	elapsed := time.Since(started)
	if err != nil {
		a.logger.ErrorContext(
			ctx,
			"generation failed",
			tint.Err(err),
			"elapsed", elapsed,
		)
		return "", err
	}

	text := candidateText(resp)
	if text == "" {
		a.logger.WarnContext(ctx, "empty generation response", "elapsed", elapsed)
		return "", errors.New("no candidates in response")
	}

	a.logger.InfoContext(
		ctx,
		"generated response",
		"elapsed", elapsed,
		"length", len(text),
	)
	return text, nil
}

// candidateText extracts the text parts of the first candidate.
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}
