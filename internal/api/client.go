// Package api provides the Anthropic Messages API reasoner used by workers
// and the planner, either directly or through AWS Bedrock.
package api

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ShayCichocki/conductor/internal/agent"
)

// Provider names accepted in ClientConfig.
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// DefaultMaxTokens is the completion budget per call.
const DefaultMaxTokens int64 = 8192

// Client wraps the Anthropic SDK client with token tracking and a
// client-side rate limit. It implements agent.Reasoner.
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	bedrock   bool
	maxTokens int64
	limiter   *rate.Limiter
	tracker   *TokenTracker
	log       *logrus.Entry
}

// ClientConfig contains configuration for creating a new Client.
type ClientConfig struct {
	// Provider is "anthropic" (default) or "bedrock".
	Provider string
	// Model is the default model. Requests may override it.
	Model string
	// APIKey is required for the anthropic provider.
	APIKey string
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	MaxTokens  int64
	// RateLimitRPS caps model calls per second across all workers. Zero disables it.
	RateLimitRPS float64
	Burst        int
	// BaseURL overrides the API endpoint.
	BaseURL string
	Log     *logrus.Entry
}

// NewClient creates a new Anthropic API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	var opts []option.RequestOption

	useBedrock := strings.EqualFold(cfg.Provider, ProviderBedrock)
	switch {
	case useBedrock:
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	case cfg.Provider == "" || strings.EqualFold(cfg.Provider, ProviderAnthropic):
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	default:
		return nil, fmt.Errorf("unknown reasoner provider %q", cfg.Provider)
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if useBedrock {
		model = translateModelForBedrock(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return &Client{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		bedrock:   useBedrock,
		maxTokens: maxTokens,
		limiter:   limiter,
		tracker:   NewTokenTracker(),
		log:       cfg.Log,
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock inference profile format.
// Bedrock uses cross-region inference profiles: us.anthropic.{model}-v1:0
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:         "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.Model("claude-sonnet-4-5-20250929"): "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.Model("claude-haiku-4-5-20251001"):  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:         "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.Model("claude-opus-4-5-20251101"):   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:        "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:         "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	// Already a Bedrock id or a custom model.
	return model
}

// Model returns the configured default model name.
func (c *Client) Model() anthropic.Model {
	return c.model
}

// Tracker returns the token tracker for this client.
func (c *Client) Tracker() *TokenTracker {
	return c.tracker
}

// resolveModel picks the request model, translated for Bedrock when needed.
func (c *Client) resolveModel(override string) anthropic.Model {
	if override == "" {
		return c.model
	}
	m := anthropic.Model(override)
	if c.bedrock {
		return translateModelForBedrock(m)
	}
	return m
}

// Complete sends the conversation to the Messages API and returns the
// concatenated text of the reply.
func (c *Client) Complete(ctx context.Context, req agent.Request) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == agent.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     c.resolveModel(req.Model),
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("API call failed: %w", err)
	}
	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var result strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result.WriteString(variant.Text)
		}
	}

	if c.log != nil {
		c.log.WithFields(logrus.Fields{
			"model":      params.Model,
			"tokens_in":  resp.Usage.InputTokens,
			"tokens_out": resp.Usage.OutputTokens,
		}).Debug("Model call finished")
	}
	return result.String(), nil
}

var _ agent.Reasoner = (*Client)(nil)

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
