// Package contactdata provides a client for the skip-trace contact-data
// provider API.
package contactdata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rehouzd/skiptrace/internal/model"
	"github.com/rehouzd/skiptrace/internal/resilience"
)

// Provider statuses.
const (
	StatusSuccess = "success"
	StatusNoData  = "no_data"
)

// Provider resolves contact data for an address and optional owner name.
type Provider interface {
	Lookup(ctx context.Context, address, owner string) (*Response, error)
}

// Request is the provider lookup payload.
type Request struct {
	Address   string `json:"address"`
	OwnerName string `json:"owner_name,omitempty"`
}

// Response is the provider's answer for one address.
type Response struct {
	Status           string   `json:"status"`
	Phones           []string `json:"phones"`
	Emails           []string `json:"emails"`
	MailingAddresses []string `json:"mailing_addresses"`
	OwnerNames       []string `json:"owner_names"`
	DNCStatus        string   `json:"dnc_status"`
	LitigatorStatus  string   `json:"litigator_status"`
	Confidence       float64  `json:"confidence"`
	CostCents        int64    `json:"cost_cents"`
	ResponseTimeMs   int64    `json:"response_time_ms"`
	Message          string   `json:"message,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit caps outbound requests per second. A non-positive rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *httpClient) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithCircuitBreaker overrides the breaker guarding the provider.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *httpClient) {
		c.breakerCfg = cfg
	}
}

type httpClient struct {
	apiKey     string
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
}

// NewClient creates a provider client.
func NewClient(apiKey string, opts ...Option) Provider {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.skiptrace.example.com/v1",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		retry:      resilience.DefaultRetryConfig(),
		breakerCfg: resilience.CircuitFromConfig(5, 30),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.LogRetries("contactdata", "lookup")
	}
	c.breakerCfg.Trips = tripsBreaker
	prev := c.breakerCfg.OnStateChange
	c.breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("contactdata: circuit state change",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if prev != nil {
			prev(from, to)
		}
	}
	c.breaker = resilience.NewCircuitBreaker(c.breakerCfg)
	return c
}

// tripsBreaker counts outages, not bad requests.
func tripsBreaker(err error) bool {
	return resilience.IsTransient(err) || isTimeout(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Lookup calls the provider, retrying transient failures. Failures are
// returned wrapping model.ErrProviderTimeout or model.ErrProviderError.
func (c *httpClient) Lookup(ctx context.Context, address, owner string) (*Response, error) {
	body, err := json.Marshal(Request{Address: address, OwnerName: owner})
	if err != nil {
		return nil, eris.Wrap(err, "contactdata: marshal request")
	}

	start := time.Now()
	resp, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Response, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*Response, error) {
			return c.do(ctx, body)
		})
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.Canceled) {
			return nil, eris.Wrapf(model.ErrProviderTimeout, "%v", err)
		}
		return nil, classify(err)
	}
	if resp.ResponseTimeMs == 0 {
		resp.ResponseTimeMs = time.Since(start).Milliseconds()
	}
	return resp, nil
}

func (c *httpClient) do(ctx context.Context, body []byte) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "contactdata: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/lookup", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "contactdata: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, eris.Wrap(err, "contactdata: request timed out")
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "contactdata: request failed"), 0)
	}
	defer httpResp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "contactdata: read response body"), httpResp.StatusCode)
	}

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusNotFound:
		return &Response{Status: StatusNoData}, nil
	default:
		statusErr := eris.Errorf("contactdata: status %d: %s", httpResp.StatusCode, truncate(raw, 200))
		if te := resilience.FromResponse(statusErr, httpResp, time.Now()); te != nil {
			return nil, te
		}
		return nil, statusErr
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "contactdata: malformed response")
	}
	switch out.Status {
	case StatusSuccess, StatusNoData:
	case "":
		out.Status = StatusSuccess
	default:
		return nil, eris.Errorf("contactdata: provider status %q: %s", out.Status, out.Message)
	}
	return &out, nil
}

// classify maps a final client error onto the lookup error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, model.ErrProviderTimeout), errors.Is(err, model.ErrProviderError):
		return err
	case isTimeout(err):
		return eris.Wrapf(model.ErrProviderTimeout, "%v", err)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return eris.Wrap(model.ErrProviderError, "contactdata: provider unavailable, circuit open")
	default:
		return eris.Wrapf(model.ErrProviderError, "%v", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
