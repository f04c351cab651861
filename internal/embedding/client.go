// Package embedding wraps a Genkit embedder with the behavior every
// caller in this codebase needs: input truncation, a token-bucket rate
// limit on the provider, a per-call timeout and retry with jittered
// exponential backoff for transient failures.
//
// Client is safe for concurrent use by multiple goroutines.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"

	"github.com/mindframe0/mindframe/internal/log"
)

var (
	// ErrTransient indicates a failure that exhausted its retries but
	// would likely succeed later (rate limit, 5xx, network).
	ErrTransient = errors.New("transient embedding failure")

	// ErrPermanent indicates a failure retrying cannot fix
	// (auth, malformed request, provider rejection).
	ErrPermanent = errors.New("permanent embedding failure")
)

const (
	// maxInputChars bounds provider payloads. Longer inputs keep their
	// tail: for chat turns the most recent text carries the topic.
	maxInputChars = 8000

	// callTimeout is the per-provider-call deadline.
	callTimeout = 10 * time.Second

	maxAttempts   = 3
	baseBackoff   = 250 * time.Millisecond
	backoffFactor = 2
	jitterRatio   = 0.25
)

// retryablePatterns groups error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: This uses string matching because Genkit and provider SDKs do
// not expose typed errors for transient failures. Re-evaluate if Genkit
// adds structured error types in a future version.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary", "deadline exceeded"}, // network errors
}

// Config tunes the client. Zero values fall back to defaults.
type Config struct {
	// Dim is the expected output dimension. Responses with a different
	// dimension are ErrPermanent: the model is misconfigured.
	Dim int

	// RequestsPerSecond and Burst parameterize the token bucket.
	RequestsPerSecond float64
	Burst             int
}

// Client embeds text via a Genkit ai.Embedder.
type Client struct {
	embedder ai.Embedder
	dim      int
	limiter  *rate.Limiter
	logger   log.Logger
}

// New creates a Client. logger may be nil.
func New(embedder ai.Embedder, cfg Config, logger log.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst < 1 {
		cfg.Burst = 20
	}

	return &Client{
		embedder: embedder,
		dim:      cfg.Dim,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:   logger,
	}
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one provider call, preserving order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	docs := make([]*ai.Document, 0, len(texts))
	for _, t := range texts {
		docs = append(docs, ai.DocumentFromText(truncateInput(t), nil))
	}

	resp, err := c.embedWithRetry(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, err
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs",
			ErrPermanent, len(resp.Embeddings), len(texts))
	}

	vecs := make([][]float32, 0, len(texts))
	for i, e := range resp.Embeddings {
		if c.dim > 0 && len(e.Embedding) != c.dim {
			return nil, fmt.Errorf("%w: embedding %d has dimension %d, want %d",
				ErrPermanent, i, len(e.Embedding), c.dim)
		}
		vecs = append(vecs, e.Embedding)
	}

	return vecs, nil
}

// embedWithRetry executes the provider call with exponential backoff.
// Each attempt waits on the rate limiter and runs under its own timeout.
func (c *Client) embedWithRetry(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	var lastErr error
	delay := baseBackoff
	start := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Rate limit each attempt, retries included.
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %w", ErrTransient, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		resp, err := c.embedder.Embed(callCtx, req)
		cancel()

		if err == nil {
			if len(resp.Embeddings) == 0 {
				return nil, fmt.Errorf("%w: provider returned no embeddings", ErrPermanent)
			}
			c.logger.Debug("embedded input",
				"attempts", attempt,
				"elapsed", time.Since(start))
			return resp, nil
		}

		lastErr = err

		// The caller's deadline expired, not the provider's fault.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
		}

		if !retryableError(err) {
			return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
		}

		if attempt == maxAttempts {
			break
		}

		c.logger.Debug("retrying embedding after error",
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: context canceled during retry: %w", ErrTransient, ctx.Err())
		case <-time.After(withJitter(delay)):
			delay *= backoffFactor
		}
	}

	return nil, fmt.Errorf("%w: after %d attempts (elapsed: %v): %w",
		ErrTransient, maxAttempts, time.Since(start), lastErr)
}

// retryableError reports whether err is transient and should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(errStr, sub) {
				return true
			}
		}
	}
	return false
}

// withJitter spreads delay by ±25% so concurrent retries don't align.
func withJitter(d time.Duration) time.Duration {
	spread := float64(d) * jitterRatio
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}

// truncateInput trims whitespace and keeps the last maxInputChars runes.
func truncateInput(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxInputChars {
		return s
	}
	return string(runes[len(runes)-maxInputChars:])
}
