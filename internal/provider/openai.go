package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config holds configuration for the OpenAI-compatible provider client.
type Config struct {
	// BaseURL is the API base, e.g. "https://api.openai.com/v1".
	BaseURL string

	// EmbeddingModel is the model used for embeddings.
	EmbeddingModel string

	// AnalysisModel is the chat model used for JSON analyses.
	AnalysisModel string

	// APIKey is optional for self-hosted OpenAI-compatible servers.
	APIKey string

	// Timeout is the default per-request timeout applied when the caller's
	// context carries no deadline.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("%w: embedding model required", ErrInvalidConfig)
	}
	return nil
}

// Client talks to an OpenAI-compatible API and reports usage from provider
// responses.
type Client struct {
	config  Config
	client  *http.Client
	metrics *Metrics
	logger  *zap.Logger
}

// NewClient creates a provider client with the given configuration.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config:  config,
		client:  &http.Client{},
		metrics: NewMetrics(logger),
		logger:  logger,
	}, nil
}

// Model returns the embedding model name.
func (c *Client) Model() string {
	return c.config.EmbeddingModel
}

// AnalysisModel returns the analysis model name.
func (c *Client) AnalysisModel() string {
	return c.config.AnalysisModel
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// Embed generates an embedding for the given text. The returned token count
// comes from the provider's usage block.
func (c *Client) Embed(ctx context.Context, text string) (Embedding, error) {
	start := time.Now()
	var callErr error
	defer func() {
		c.metrics.RecordCall(ctx, c.config.EmbeddingModel, "embed", time.Since(start), callErr)
	}()

	if text == "" {
		callErr = fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		return Embedding{}, callErr
	}

	body, err := json.Marshal(embeddingRequest{Model: c.config.EmbeddingModel, Input: text})
	if err != nil {
		callErr = fmt.Errorf("marshaling request: %w", err)
		return Embedding{}, callErr
	}

	respBody, err := c.post(ctx, "/embeddings", body)
	if err != nil {
		callErr = err
		return Embedding{}, callErr
	}

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		callErr = fmt.Errorf("decoding response: %w", err)
		return Embedding{}, callErr
	}
	if len(resp.Data) == 0 {
		callErr = fmt.Errorf("%w: empty embedding response", ErrProvider)
		return Embedding{}, callErr
	}
	if resp.Usage.PromptTokens == 0 {
		callErr = fmt.Errorf("%w: response reported no token usage", ErrProvider)
		return Embedding{}, callErr
	}

	return Embedding{
		Vector: resp.Data[0].Embedding,
		Tokens: resp.Usage.PromptTokens,
	}, nil
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *chatFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Analyze runs the prompt against the analysis model in JSON mode and returns
// the raw JSON result with provider-reported usage.
func (c *Client) Analyze(ctx context.Context, prompt string) (Analysis, error) {
	start := time.Now()
	var callErr error
	defer func() {
		c.metrics.RecordCall(ctx, c.config.AnalysisModel, "analyze", time.Since(start), callErr)
	}()

	if prompt == "" {
		callErr = fmt.Errorf("%w: prompt cannot be empty", ErrEmptyInput)
		return Analysis{}, callErr
	}
	if c.config.AnalysisModel == "" {
		callErr = fmt.Errorf("%w: analysis model not configured", ErrInvalidConfig)
		return Analysis{}, callErr
	}

	body, err := json.Marshal(chatRequest{
		Model:          c.config.AnalysisModel,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		ResponseFormat: &chatFormat{Type: "json_object"},
	})
	if err != nil {
		callErr = fmt.Errorf("marshaling request: %w", err)
		return Analysis{}, callErr
	}

	respBody, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		callErr = err
		return Analysis{}, callErr
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		callErr = fmt.Errorf("decoding response: %w", err)
		return Analysis{}, callErr
	}
	if len(resp.Choices) == 0 {
		callErr = fmt.Errorf("%w: empty completion response", ErrProvider)
		return Analysis{}, callErr
	}

	content := resp.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		callErr = fmt.Errorf("%w: analysis result is not valid JSON", ErrProvider)
		return Analysis{}, callErr
	}

	return Analysis{
		Result:       json.RawMessage(content),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// post issues a JSON POST and returns the response body, classifying
// transport failures into the provider error taxonomy.
func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrProvider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, respBody)
	}
	return respBody, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProvider, err)
}
