package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ClientConfig configures the HTTP judge client.
type ClientConfig struct {
	// Endpoint is the judge's grade URL.
	Endpoint string `koanf:"endpoint"`

	// APIKey is sent as a bearer token when non-empty.
	APIKey string `koanf:"api_key"`

	// Timeout bounds each grade call.
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultClientConfig returns the documented defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Endpoint: "http://localhost:9090/grade",
		Timeout:  30 * time.Second,
	}
}

// Validate checks the configuration bounds.
func (c ClientConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("judge endpoint must not be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("judge timeout must be greater than 0, got %v", c.Timeout)
	}
	return nil
}

// HTTPClient talks to an LLM judge over HTTP, posting one GradeRequest per
// call and classifying transport and status failures into the
// transient/permanent taxonomy the retry policy consumes.
type HTTPClient struct {
	config ClientConfig
	httpc  *http.Client
}

// NewHTTPClient builds a judge client from a validated configuration.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPClient{
		config: cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Grade posts the request to the judge and decodes its verdict.
func (c *HTTPClient) Grade(ctx context.Context, req GradeRequest) (*GradeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &PermanentError{Type: ErrorTypeMalformed, Message: "encode grade request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Type: ErrorTypeMalformed, Message: "build grade request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var verdict GradeResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, &PermanentError{Type: ErrorTypeMalformed, Message: "decode grade response", Err: err}
	}
	return &verdict, nil
}

// classifyTransportErr maps transport-level failures onto the error
// taxonomy. Timeouts and network errors are transient.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Type: ErrorTypeTimeout, Message: "grade call timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Type: ErrorTypeTimeout, Message: "grade call timed out", Err: err}
	}
	return &TransientError{Type: ErrorTypeNetwork, Message: "grade call failed", Err: err}
}

// classifyStatus maps non-200 judge responses onto the error taxonomy.
// 408 and 429 are transient, the latter carrying the provider's
// Retry-After guidance; 5xx is a provider outage; anything else 4xx means
// the request itself is bad.
func classifyStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("judge returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout:
		return &TransientError{Type: ErrorTypeTimeout, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{
			Type:       ErrorTypeRateLimit,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &TransientError{Type: ErrorTypeProvider, Message: msg}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return &PermanentError{Type: ErrorTypeContent, Message: msg}
	default:
		return &PermanentError{Type: ErrorTypeMalformed, Message: msg}
	}
}

// parseRetryAfter reads a Retry-After header in delta-seconds form.
// HTTP-date form and garbage both yield zero, leaving backoff to the
// retry policy's own schedule.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
