package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cap2cal/internal/capture"
	"cap2cal/internal/config"
	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/services"
)

const (
	defaultTimeout = 200 * time.Second
	maxErrorBody   = 4 << 10
	correlationKey = "X-Correlation-ID"
)

// ErrUnauthorized is returned when the server rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-success response from the server.
type APIError struct {
	Status        int
	Reason        event.ErrorReason
	Message       string
	CorrelationID string
}

func (e *APIError) Error() string {
	parts := []string{fmt.Sprintf("server returned %d", e.Status)}
	if e.Reason != "" {
		parts = append(parts, string(e.Reason))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.CorrelationID != "" {
		parts = append(parts, "correlation id "+e.CorrelationID)
	}
	return strings.Join(parts, ": ")
}

// Client talks to a cap2cal server. Requests are paced by a token bucket so a
// large batch of enrich calls does not burst the server.
type Client struct {
	baseURL       string
	token         string
	locale        string
	maxImageBytes int
	httpClient    *http.Client
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a client from the [client] config section.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("apiclient requires config")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.Client.ServerURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("client.server_url: %w", err)
	}
	timeout := time.Duration(cfg.Client.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.Client.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.Client.RequestsPerSecond)
	}
	burst := cfg.Client.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &Client{
		baseURL:       base,
		token:         strings.TrimSpace(cfg.Client.Token),
		locale:        cfg.Client.Locale,
		maxImageBytes: cfg.Scan.MaxImageBytes,
		httpClient:    &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(limit, burst),
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "api-client")
	return c, nil
}

type envelope struct {
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data"`
	Message       string          `json:"message"`
	CorrelationID string          `json:"correlationId"`
	Error         string          `json:"error"`
}

type reasonData struct {
	Reason event.ErrorReason `json:"reason"`
}

type scanData struct {
	Items []event.CaptureEvent `json:"items"`
	Meta  event.Meta           `json:"meta"`
}

type enrichData struct {
	event.Patch
	IsEnriched bool `json:"isEnriched"`
}

// Scan posts img to /scan. A declared reason, including LIMIT_REACHED, is
// returned as a failed Outcome with a nil error; errors are reserved for
// transport and server failures.
func (c *Client) Scan(ctx context.Context, img capture.RawImage) (event.Outcome, error) {
	if err := img.Check(c.maxImageBytes); err != nil {
		return event.Outcome{}, err
	}
	locale := img.Locale
	if locale == "" {
		locale = c.locale
	}
	status, env, err := c.post(ctx, "/scan", map[string]string{"image": img.DataURL(), "i18n": locale})
	if err != nil {
		return event.Outcome{}, err
	}

	switch {
	case status == http.StatusOK && env.Status == "success":
		var data scanData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return event.Outcome{}, services.Wrap(services.ErrUpstream, "scan", "decode response", "", err)
		}
		items := make([]event.Skeleton, 0, len(data.Items))
		for _, item := range data.Items {
			items = append(items, item.Skeleton)
		}
		return event.Success(items, data.Meta), nil
	case status == http.StatusOK, status == http.StatusForbidden:
		var data reasonData
		if err := json.Unmarshal(env.Data, &data); err == nil && data.Reason != "" {
			return event.Failure(data.Reason), nil
		}
	}
	return event.Outcome{}, c.apiError(status, env)
}

// Enrich implements the orchestrator's enricher contract over /enrich.
func (c *Client) Enrich(ctx context.Context, sk event.Skeleton, locale string) *event.Patch {
	patch, err := c.Attempt(ctx, sk, locale)
	if err != nil {
		logging.WithContext(ctx, c.logger).Info("remote enrichment failed", logging.Error(err))
		return nil
	}
	return patch
}

// Attempt posts one skeleton to /enrich. The server's fallback patch is not
// returned; a 500 is an error so the caller can retry.
func (c *Client) Attempt(ctx context.Context, sk event.Skeleton, locale string) (*event.Patch, error) {
	if locale == "" {
		locale = c.locale
	}
	status, env, err := c.post(ctx, "/enrich", map[string]any{"event": event.NewCaptureEvent(sk), "i18n": locale})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || env.Status != "success" {
		return nil, c.apiError(status, env)
	}
	var data enrichData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, services.Wrap(services.ErrUpstream, "enrich", "decode response", "", err)
	}
	if !data.IsEnriched {
		return nil, services.Wrap(services.ErrUpstream, "enrich", "decode response", "server returned an unenriched patch", nil)
	}
	patch := data.Patch
	return &patch, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (int, envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, envelope{}, fmt.Errorf("rate limit wait: %w", err)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, envelope{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return 0, envelope{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id, ok := services.RequestIDFromContext(ctx); ok {
		req.Header.Set(correlationKey, id)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, envelope{}, services.Wrap(services.ErrTimeout, "api", "post "+path, "", err)
		}
		return 0, envelope{}, services.Wrap(services.ErrTransient, "api", "post "+path, "", err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, env, services.Wrap(services.ErrTransient, "api", "read "+path, "", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			env.Message = snippet(raw)
		}
	}
	if env.CorrelationID == "" {
		env.CorrelationID = resp.Header.Get(correlationKey)
	}
	c.logger.Debug("api request",
		logging.String("path", path),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", time.Since(started)),
		logging.String(logging.FieldCorrelationID, env.CorrelationID),
	)
	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, env, ErrUnauthorized
	}
	return resp.StatusCode, env, nil
}

func (c *Client) apiError(status int, env envelope) error {
	apiErr := &APIError{Status: status, Message: env.Message, CorrelationID: env.CorrelationID}
	if apiErr.Message == "" {
		apiErr.Message = env.Error
	}
	var data reasonData
	if json.Unmarshal(env.Data, &data) == nil {
		apiErr.Reason = data.Reason
	}
	marker := services.ErrUpstream
	if status >= 400 && status < 500 {
		marker = services.ErrInput
	}
	return services.Wrap(marker, "api", "call server", "", apiErr)
}

func snippet(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return text
}
