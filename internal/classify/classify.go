// Package classify decides whether a message is significant.
//
// Keyword matches are significant outright. Other messages are asked of an
// OpenAI chat model when one is configured; any AI failure falls back to the
// keyword verdict.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/ChannelPipe/internal/models"
)

// Classification sources
const (
	SourceKeyword  = "keyword"
	SourceAI       = "ai"
	SourceFallback = "fallback"
	SourceEmpty    = "empty"
)

// DefaultModel is used when no model is configured.
const DefaultModel = string(openai.ChatModelGPT4oMini)

// DefaultTimeout bounds one AI call.
const DefaultTimeout = 20 * time.Second

// ErrNoChoicesReturned is returned when the model answers with no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

const systemPrompt = "You screen messages from monitored news channels for an operations team. " +
	"Answer with a single word: YES if the message reports an event that needs attention, NO otherwise."

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for a Classifier.
type Opts struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Option defines a configuration option for the Classifier.
type Option func(*Opts)

// WithAPIKey enables AI classification with the given OpenAI key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout bounds each AI call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opts) { o.Logger = logger }
}

// Classifier assigns verdicts to messages.
type Classifier struct {
	keywords []string
	chat     chatService
	model    string
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Classifier. Keywords match case-insensitively.
func New(keywords []string, opts ...Option) *Classifier {
	cfg := Opts{Model: DefaultModel, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "classify"),
	}
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			c.keywords = append(c.keywords, k)
		}
	}
	if cfg.APIKey != "" {
		cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
		c.chat = &cli.Chat.Completions
	}
	return c
}

// AIEnabled reports whether an AI model is consulted.
func (c *Classifier) AIEnabled() bool {
	return c.chat != nil
}

// Classify returns the verdict for msg. It never fails.
func (c *Classifier) Classify(ctx context.Context, msg models.RetrievedMessage) models.Classification {
	result := models.Classification{Message: msg, Verdict: models.VerdictTrivial}

	if msg.IsEmpty() {
		result.Source = SourceEmpty
		result.Reason = "empty payload"
		return result
	}

	if kw, ok := c.matchKeyword(msg.Text); ok {
		result.Verdict = models.VerdictSignificant
		result.Source = SourceKeyword
		result.Reason = "keyword: " + kw
		return result
	}

	if c.chat == nil {
		result.Source = SourceKeyword
		return result
	}

	significant, err := c.askModel(ctx, msg.Text)
	if err != nil {
		c.logger.Warn("AI classification failed, using keyword verdict", "channel", msg.ChannelID, "message_id", msg.MessageID, "error", err)
		result.Source = SourceFallback
		result.Reason = err.Error()
		return result
	}
	result.Source = SourceAI
	if significant {
		result.Verdict = models.VerdictSignificant
	}
	return result
}

func (c *Classifier) matchKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, k := range c.keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}

func (c *Classifier) askModel(ctx context.Context, text string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return false, fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return false, ErrNoChoicesReturned
	}
	return parseAnswer(resp.Choices[0].Message.Content)
}

// parseAnswer reads a YES/NO answer, tolerating punctuation and extra words.
func parseAnswer(content string) (bool, error) {
	answer := strings.ToUpper(strings.TrimSpace(content))
	answer = strings.TrimLeft(answer, "\"'*")
	switch {
	case strings.HasPrefix(answer, "YES"):
		return true, nil
	case strings.HasPrefix(answer, "NO"):
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized answer %q", content)
	}
}
