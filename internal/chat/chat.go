// Package chat turns an assembled context block into a model response.
// It builds the message list, advertises the web search tool under a
// per-turn budget, streams deltas to the caller and retries one
// transient failure before the first delta. The background ingester
// embeds finished turns without extending caller latency.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/mindframe0/mindframe/internal/log"
	"github.com/mindframe0/mindframe/internal/tools"
)

const (
	// defaultStreamDeadline bounds one whole generation turn,
	// tool rounds included.
	defaultStreamDeadline = 120 * time.Second

	// maxToolTurns allows exactly one tool round before the model
	// must answer. The tool-side budget enforces the same bound.
	maxToolTurns = 2

	// fallbackResponseMessage is returned when the model produces an
	// empty response.
	fallbackResponseMessage = "I apologize, but I couldn't generate a response. Please try rephrasing your question."
)

// ErrStreamInterrupted indicates the stream failed after deltas were
// already delivered. The partial output the caller saw is not the
// complete answer.
var ErrStreamInterrupted = errors.New("stream interrupted")

// Turn is one prior conversation turn.
type Turn struct {
	Role    string // user, assistant
	Content string
}

// Request is one generation turn.
type Request struct {
	SystemPrompt string
	Context      string // formatted retrieval context, may be empty
	History      []Turn
	UserText     string

	// EnableWebSearch is tri-state: nil lets the model decide, true
	// forces a search, false disables the tool for this turn.
	EnableWebSearch *bool
}

// Usage mirrors the model's reported token counts.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the completed turn.
type Response struct {
	Text  string
	Usage Usage
}

// StreamCallback receives each response chunk as it is generated.
// Returning an error aborts the stream.
type StreamCallback func(ctx context.Context, chunk *ai.ModelResponseChunk) error

// Config parameterizes the generator.
type Config struct {
	ModelName      string // provider-qualified, e.g. "openai/gpt-4o"
	Temperature    float64
	MaxTokens      int
	StreamDeadline time.Duration

	// ForceTriggers are substrings of the user text that force a web
	// search when the tool is available.
	ForceTriggers []string

	TokenBudget TokenBudget
}

// Generator runs chat turns against the model.
type Generator struct {
	g      *genkit.Genkit
	cfg    Config
	tool   ai.Tool // nil = web search disabled
	logger log.Logger

	// run wraps genkit.Generate; swapped in tests.
	run func(ctx context.Context, cb StreamCallback, opts []ai.GenerateOption) (*ai.ModelResponse, error)
}

// NewGenerator creates a Generator. tool may be nil when web search is
// not configured; logger may be nil.
func NewGenerator(g *genkit.Genkit, cfg Config, tool ai.Tool, logger log.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StreamDeadline <= 0 {
		cfg.StreamDeadline = defaultStreamDeadline
	}
	if cfg.TokenBudget.MaxHistoryTokens == 0 {
		cfg.TokenBudget = DefaultTokenBudget()
	}

	gen := &Generator{
		g:      g,
		cfg:    cfg,
		tool:   tool,
		logger: logger,
	}
	gen.run = func(ctx context.Context, cb StreamCallback, opts []ai.GenerateOption) (*ai.ModelResponse, error) {
		if cb != nil {
			opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
				return cb(ctx, chunk)
			}))
		}
		return genkit.Generate(ctx, gen.g, opts...)
	}
	return gen
}

// Generate runs one turn. Deltas stream through callback as they
// arrive; the complete response is returned at the end. A transient
// failure before the first delta is retried once; after the first
// delta any failure surfaces as ErrStreamInterrupted.
func (gen *Generator) Generate(ctx context.Context, req Request, callback StreamCallback) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, gen.cfg.StreamDeadline)
	defer cancel()

	opts := []ai.GenerateOption{
		ai.WithModelName(gen.cfg.ModelName),
		ai.WithSystem(req.SystemPrompt),
		ai.WithMessages(gen.buildMessages(req)...),
		ai.WithConfig(&ai.GenerationCommonConfig{
			Temperature:     gen.cfg.Temperature,
			MaxOutputTokens: gen.cfg.MaxTokens,
		}),
	}

	if gen.advertiseTool(req) {
		ctx = tools.WithTurnBudget(ctx)
		opts = append(opts,
			ai.WithTools(gen.tool),
			ai.WithMaxTurns(maxToolTurns),
		)
		if gen.forceSearch(req) {
			opts = append(opts, ai.WithToolChoice(ai.ToolChoiceRequired))
		}
	}

	var delivered atomic.Bool
	var cb StreamCallback
	if callback != nil {
		cb = func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			delivered.Store(true)
			return callback(ctx, chunk)
		}
	}

	resp, err := gen.run(ctx, cb, opts)
	if err != nil && !delivered.Load() && retryableError(err) {
		gen.logger.Warn("retrying generation after transient error", "error", err)
		resp, err = gen.run(ctx, cb, opts)
	}
	if err != nil {
		if delivered.Load() {
			return nil, fmt.Errorf("%w: %w", ErrStreamInterrupted, err)
		}
		return nil, fmt.Errorf("generating response: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		gen.logger.Warn("model returned empty response")
		text = fallbackResponseMessage
	}

	out := &Response{Text: text}
	if resp.Usage != nil {
		out.Usage = Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// buildMessages assembles context, budget-trimmed history and the user
// turn. The system prompt travels separately via ai.WithSystem.
func (gen *Generator) buildMessages(req Request) []*ai.Message {
	history := trimHistory(req.History, gen.cfg.TokenBudget.MaxHistoryTokens, gen.logger)

	msgs := make([]*ai.Message, 0, len(history)+2)
	if req.Context != "" {
		msgs = append(msgs, ai.NewSystemTextMessage(req.Context))
	}
	for _, turn := range history {
		switch turn.Role {
		case "assistant":
			msgs = append(msgs, ai.NewModelMessage(ai.NewTextPart(turn.Content)))
		default:
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(turn.Content)))
		}
	}
	msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(req.UserText)))

	return msgs
}

// advertiseTool reports whether the web search tool is offered this
// turn: the tool must be configured and not explicitly disabled.
func (gen *Generator) advertiseTool(req Request) bool {
	if gen.tool == nil {
		return false
	}
	return req.EnableWebSearch == nil || *req.EnableWebSearch
}

// forceSearch reports whether the turn requires a search: an explicit
// true, or a trigger substring in the user text.
func (gen *Generator) forceSearch(req Request) bool {
	if req.EnableWebSearch != nil && *req.EnableWebSearch {
		return true
	}

	lower := strings.ToLower(req.UserText)
	for _, trigger := range gen.cfg.ForceTriggers {
		if strings.Contains(lower, strings.ToLower(trigger)) {
			return true
		}
	}
	return false
}
