package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
)

// OpenAIConfig configures the moderation endpoint client.
type OpenAIConfig struct {
	BaseURL    string
	Model      string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Logger     zerolog.Logger

	// Transport overrides the HTTP transport; nil uses a pooled default.
	Transport http.RoundTripper
}

// OpenAI calls a /moderations endpoint.
type OpenAI struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

type moderationRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type moderationResponse struct {
	ID      string    `json:"id"`
	Model   string    `json:"model"`
	Results []*Result `json:"results"`
}

// leveledZerolog adapts zerolog to retryablehttp.LeveledLogger. Transport
// errors are logged at warn because they are retried.
type leveledZerolog struct {
	inner zerolog.Logger
}

func (l leveledZerolog) log(ev *zerolog.Event, msg string, kv ...any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

func (l leveledZerolog) Error(msg string, kv ...any) { l.log(l.inner.Warn(), msg, kv...) }
func (l leveledZerolog) Warn(msg string, kv ...any)  { l.log(l.inner.Warn(), msg, kv...) }
func (l leveledZerolog) Info(msg string, kv ...any)  { l.log(l.inner.Debug(), msg, kv...) }
func (l leveledZerolog) Debug(msg string, kv ...any) { l.log(l.inner.Debug(), msg, kv...) }

// retryPolicy retries connection errors and 5xx, but leaves 429 to the caller.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// NewOpenAI builds the client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, sentinelerrors.NewConfigError(sentinelerrors.DependencyClassifier, "classifier base url is required")
	}
	if cfg.APIKey == "" {
		return nil, sentinelerrors.NewConfigError(sentinelerrors.DependencyClassifier, "classifier api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "omni-moderation-latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "classifier").Logger()

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledZerolog{inner: logger})
	retryClient.CheckRetry = retryPolicy
	if cfg.Transport != nil {
		retryClient.HTTPClient.Transport = cfg.Transport
	}

	client := retryClient.StandardClient()
	client.Timeout = cfg.Timeout

	return &OpenAI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		client:  client,
		logger:  logger,
	}, nil
}

// Classify sends text to the provider. The text is never logged.
func (c *OpenAI) Classify(ctx context.Context, text string) (*Result, error) {
	body, err := json.Marshal(moderationRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, sentinelerrors.NewInternalError("failed to encode moderation request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/moderations", bytes.NewReader(body))
	if err != nil {
		return nil, sentinelerrors.NewInternalError("failed to build moderation request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, sentinelerrors.WrapError(err, sentinelerrors.ErrCodeDependency, sentinelerrors.DependencyClassifier, "moderation request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, sentinelerrors.WrapError(err, sentinelerrors.ErrCodeDependency, sentinelerrors.DependencyClassifier, "failed to read moderation response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, sentinelerrors.NewDependencyError(
			sentinelerrors.DependencyClassifier,
			fmt.Sprintf("moderation endpoint returned status %d", resp.StatusCode),
			nil,
		).WithContext("status", resp.StatusCode)
	}

	var parsed moderationResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, sentinelerrors.NewDependencyError(sentinelerrors.DependencyClassifier, "failed to decode moderation response", err)
	}
	if len(parsed.Results) == 0 || parsed.Results[0] == nil {
		return nil, sentinelerrors.NewDependencyError(sentinelerrors.DependencyClassifier, "moderation response has no results", nil)
	}

	result := parsed.Results[0]
	c.logger.Debug().
		Bool("flagged", result.Flagged).
		Strs("raw_categories", result.FlaggedCategories()).
		Int("text_len", len(text)).
		Dur("elapsed", time.Since(start)).
		Msg("classified")
	return result, nil
}
