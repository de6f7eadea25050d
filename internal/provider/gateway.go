// Package provider implements the uniform capability gateway :
// a single interface over chat-completion and embedding backends, so
// the compressor, synthesizer, planner and answerer never know
// whether they are talking to LiteLLM, OpenRouter or Ollama — all
// three speak the OpenAI-compatible wire protocol, so one
// langchaingo-backed client variant covers them by swapping BaseURL.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrorKind classifies a gateway failure so callers know whether it
// is worth retrying.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
	KindAuth ErrorKind = "auth"
	KindBudget ErrorKind = "budget"
)

// Error is the typed ProviderError surfaced by the gateway.
type Error struct {
	Kind ErrorKind
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Gateway exposes embed and chat, the two capabilities every
// downstream memory-engine component depends on.
type Gateway interface {
	// Embed computes a fixed-dimension embedding per text, in the
	// order given.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Chat asks the backend to respond to messages under an optional
	// system prompt. If schema is non-nil, the response is validated
	// JSON conforming to it; the raw validated payload is returned in
	// Structured.
	Chat(ctx context.Context, system string, messages []string, schema json.RawMessage) (Response, error)
}

// Response is what Chat returns: either free text or, when a schema
// was supplied, the validated structured payload as raw JSON.
type Response struct {
	Text string
	Structured json.RawMessage
}

// Config configures an OpenAI-compatible backend. LLM_PROVIDER
// selects which named deployment BaseURL/Model resolve to (litellm,
// openrouter, ollama); all three are wire-compatible so Config is
// otherwise identical across them.
type Config struct {
	Provider string // litellm | openrouter | ollama
	BaseURL string
	APIKey string
	ChatModel string
	EmbeddingModel string
	EmbeddingDim int
	MaxRetries int
	PerCallTimeout time.Duration
	RateLimitPerSec float64
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PerCallTimeout == 0 {
		c.PerCallTimeout = 30 * time.Second
	}
	if c.RateLimitPerSec == 0 {
		c.RateLimitPerSec = 10
	}
}

// gateway is the langchaingo-backed implementation shared by all
// three supported LLM_PROVIDER values.
type gateway struct {
	cfg Config
	chat llms.Model
	embedder embeddings.Embedder
	limiter *rate.Limiter
	logger *zap.Logger
}

// New builds a Gateway from cfg. All three supported providers speak
// the OpenAI chat/embeddings wire protocol, so a single langchaingo
// openai client, pointed at the provider's BaseURL, covers them.
func New(cfg Config, logger *zap.Logger) (Gateway, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder" // ollama and local litellm gateways often need none
	}

	chatLLM, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.ChatModel),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("provider: creating chat client: %w", err)
	}

	embedLLM, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.EmbeddingModel),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("provider: creating embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(embedLLM)
	if err != nil {
		return nil, fmt.Errorf("provider: creating embedder: %w", err)
	}

	return &gateway{
		cfg: cfg,
		chat: chatLLM,
		embedder: embedder,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), int(cfg.RateLimitPerSec)+1),
		logger: logger,
	}, nil
}

func (g *gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &Error{Kind: KindPermanent, Err: fmt.Errorf("empty input")}
	}

	op := func() ([][]float32, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		vectors, err := g.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, classify(err)
		}
		for _, v := range vectors {
			if g.cfg.EmbeddingDim > 0 && len(v) != g.cfg.EmbeddingDim {
				return nil, backoff.Permanent(&Error{Kind: KindPermanent,
					Err: fmt.Errorf("embedding dimension mismatch: got %d want %d", len(v), g.cfg.EmbeddingDim)})
			}
		}
		return vectors, nil
	}

	return withRetry(ctx, g.cfg, op)
}

func (g *gateway) Chat(ctx context.Context, system string, messages []string, schema json.RawMessage) (Response, error) {
	op := func() (Response, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}

		content := make([]llms.MessageContent, 0, len(messages)+1)
		if system != "" {
			content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, system))
		}
		for _, m := range messages {
			content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, m))
		}

		opts := []llms.CallOption{llms.WithTemperature(0.0)}
		if schema != nil {
			opts = append(opts, llms.WithJSONMode())
		}

		resp, err := g.chat.GenerateContent(ctx, content, opts...)
		if err != nil {
			return Response{}, classify(err)
		}
		if len(resp.Choices) == 0 {
			return Response{}, backoff.Permanent(&Error{Kind: KindPermanent, Err: fmt.Errorf("empty completion")})
		}

		text := resp.Choices[0].Content
		out := Response{Text: text}
		if schema != nil {
			if !json.Valid([]byte(text)) {
				return Response{}, backoff.Permanent(&Error{Kind: KindPermanent, Err: fmt.Errorf("response is not valid JSON")})
			}
			out.Structured = json.RawMessage(text)
		}
		return out, nil
	}

	return withRetry(ctx, g.cfg, op)
}

// classify turns an arbitrary transport error into a typed Error,
// marking anything not identifiably transient as permanent so
// backoff.Retry stops immediately rather than burning the call
// budget on a hopeless request.
func classify(err error) error {
	var perr *Error
	if asError(err, &perr) {
		return err
	}
	return backoff.Permanent(&Error{Kind: KindTransient, Err: err})
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// withRetry wraps op with exponential backoff, bounded by
// cfg.MaxRetries and cfg.PerCallTimeout, retrying only transient
// errors and capping total wall time per call.
func withRetry[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.PerCallTimeout)
	defer cancel()

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(cfg.MaxRetries)),
	)
}
