// Package refine turns a raw HTR transcription and its page image into a
// corrected transcription, an English translation and an illustration
// description using a vision capable chat model.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/remote"
	"github.com/MeKo-Tech/folio/internal/utils"
)

const (
	// DefaultModel is used when Options.Model is empty.
	DefaultModel = openai.GPT4o
	// DefaultSystemPrompt is sent as the system message.
	DefaultSystemPrompt = "You are an expert in medieval manuscripts OCR."

	serviceName = "openai"
)

// ChatCompleter is the part of the OpenAI client used here. *openai.Client
// satisfies it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// WorkedExample is the fixed (image, expected output) pair included in every
// request.
type WorkedExample struct {
	Output string
	Image  []byte
}

// LoadWorkedExample reads the worked example from disk.
func LoadWorkedExample(outputPath, imagePath string) (WorkedExample, error) {
	output, err := os.ReadFile(outputPath) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return WorkedExample{}, fmt.Errorf("read example output: %w", err)
	}
	img, err := os.ReadFile(imagePath) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return WorkedExample{}, fmt.Errorf("read example image: %w", err)
	}
	return WorkedExample{Output: string(output), Image: img}, nil
}

// Options configure a Client.
type Options struct {
	Model        string
	SystemPrompt string
	Prompt       *Prompt
	Limiter      *remote.RateLimiter
	Logger       *slog.Logger
	// Timeout bounds a single request. Zero means no per-request limit.
	Timeout time.Duration
	// MaxImageSide downscales larger page images before upload. Zero sends
	// pages as they are.
	MaxImageSide int
}

// Client refines pages one request at a time. It is safe for concurrent use
// when the underlying ChatCompleter is.
type Client struct {
	api          ChatCompleter
	model        string
	systemPrompt string
	prompt       *Prompt
	limiter      *remote.RateLimiter
	logger       *slog.Logger
	timeout      time.Duration
	maxImageSide int
}

// NewClient creates a refinement client on top of api.
func NewClient(api ChatCompleter, opts Options) *Client {
	c := &Client{
		api:          api,
		model:        opts.Model,
		systemPrompt: opts.SystemPrompt,
		prompt:       opts.Prompt,
		limiter:      opts.Limiter,
		logger:       opts.Logger,
		timeout:      opts.Timeout,
		maxImageSide: opts.MaxImageSide,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.systemPrompt == "" {
		c.systemPrompt = DefaultSystemPrompt
	}
	if c.prompt == nil {
		c.prompt = DefaultPrompt()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// NewOpenAIClient builds an *openai.Client. An empty baseURL keeps the
// public endpoint.
func NewOpenAIClient(apiKey, baseURL string, httpClient *http.Client) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

// Model returns the chat model requests are sent to.
func (c *Client) Model() string { return c.model }

// Refine sends one page to the model and parses its answer. On any failure
// no folio is returned. Schema violations wrap folio.ErrSchema, throttling
// yields a *folio.RateLimitedError and other API failures wrap
// folio.ErrTransport.
func (c *Client) Refine(ctx context.Context, page folio.PageImage, rawText, sharedContext string,
	example WorkedExample,
) (folio.RefinedFolio, error) {
	req, err := c.buildRequest(page, rawText, sharedContext, example)
	if err != nil {
		return folio.RefinedFolio{}, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return folio.RefinedFolio{}, err
	}

	reqCtx := remote.WithRequestMeta(ctx, remote.RequestMeta{Page: page.Index, Stage: "refine"})
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(reqCtx, req)
	if err != nil {
		return folio.RefinedFolio{}, c.classify(ctx, err)
	}

	c.logger.Debug("completion received", "page", page.Index, "model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start).String())

	if len(resp.Choices) == 0 {
		return folio.RefinedFolio{}, fmt.Errorf("%w: %w", folio.ErrSchema, errNoChoices)
	}
	return ParseResponse(resp.Choices[0].Message.Content)
}

func (c *Client) buildRequest(page folio.PageImage, rawText, sharedContext string,
	example WorkedExample,
) (openai.ChatCompletionRequest, error) {
	img := page.Content
	if img == nil {
		var err error
		img, err = os.ReadFile(page.Path)
		if err != nil {
			return openai.ChatCompletionRequest{}, fmt.Errorf("read page image: %w", err)
		}
	}
	img, resized, err := utils.PrepareForUpload(img, c.maxImageSide, utils.DefaultUploadQuality)
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("prepare page image: %w", err)
	}
	if resized {
		c.logger.Debug("page image downscaled", "page", page.Index, "max_side", c.maxImageSide)
	}

	exampleURL, pageURL := dataURL(example.Image), dataURL(img)
	text, err := c.prompt.Render(PromptData{
		Context:       sharedContext,
		ExampleOutput: example.Output,
		ExampleImage:  exampleURL,
		PageImage:     pageURL,
		RawText:       rawText,
	})
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: text},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
						URL: exampleURL, Detail: openai.ImageURLDetailHigh,
					}},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
						URL: pageURL, Detail: openai.ImageURLDetailHigh,
					}},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}, nil
}

// classify maps client errors onto the pipeline's error kinds.
func (c *Client) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	if status == http.StatusTooManyRequests {
		c.limiter.Backoff(0)
		return fmt.Errorf("%w: %w", &folio.RateLimitedError{Service: serviceName, RetryAfter: remote.DefaultRetryAfter}, err)
	}
	return fmt.Errorf("%w: %s: %w", folio.ErrTransport, serviceName, err)
}
