package apod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ent0n29/spaceshowcase/internal/observability"
	"github.com/ent0n29/spaceshowcase/internal/policy"
)

type Config struct {
	BaseURL           string
	APIKey            string
	RequestsPerMinute int
	CacheTTL          time.Duration
	Timeout           time.Duration
}

// Client fetches pictures from the APOD API, pacing calls and caching answers by date.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	cache   *cache
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewClient(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.nasa.gov/planetary/apod"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 5),
		cache:   newCache(cfg.CacheTTL, time.Now),
		metrics: metrics,
		log:     logger.With().Str("component", "apod").Logger(),
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

// Fetch returns the picture for date (sanitized to digits and hyphens). An empty
// date asks NASA for today's picture.
func (c *Client) Fetch(ctx context.Context, date string) (Picture, RateLimit, error) {
	date = SanitizeDate(date)
	if !c.Configured() {
		return Picture{}, RateLimit{}, ErrMissingAPIKey
	}
	if p, rl, ok := c.cache.get(date); ok {
		c.log.Debug().Str("date", date).Msg("apod cache hit")
		return p, rl, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Picture{}, RateLimit{}, fmt.Errorf("apod limiter: %w", err)
	}

	started := time.Now()
	p, rl, err := c.do(ctx, date)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
	case err != nil:
		outcome = "error"
	}
	c.metrics.ObserveUpstream("apod", outcome, time.Since(started))
	if err != nil {
		return Picture{}, rl, err
	}
	c.cache.put(date, p, rl)
	return p, rl, nil
}

func (c *Client) do(ctx context.Context, date string) (Picture, RateLimit, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return Picture{}, RateLimit{}, fmt.Errorf("parse apod url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	if date != "" {
		q.Set("date", date)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Picture{}, RateLimit{}, fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		// Transport errors embed the request URL, key included.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL, _ = policy.RedactSecrets(urlErr.URL)
		}
		return Picture{}, RateLimit{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	rl := RateLimit{
		Limit:     res.Header.Get("X-RateLimit-Limit"),
		Remaining: res.Header.Get("X-RateLimit-Remaining"),
		Reset:     res.Header.Get("X-RateLimit-Reset"),
	}
	c.log.Debug().
		Str("limit", rl.Limit).
		Str("remaining", rl.Remaining).
		Str("reset", rl.Reset).
		Msg("apod rate limit")

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Picture{}, rl, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Picture{}, rl, parseUpstreamError(res.StatusCode, body)
	}

	var p Picture
	if err := json.Unmarshal(body, &p); err != nil {
		return Picture{}, rl, fmt.Errorf("decode apod response: %w", err)
	}
	return p, rl, nil
}

// parseUpstreamError understands both error shapes NASA serves: the api.data.gov
// gateway's {"error":{"code","message"}} and APOD's own {"code","msg"}.
func parseUpstreamError(status int, body []byte) *UpstreamError {
	out := &UpstreamError{Status: status}

	var gateway struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &gateway); err == nil && gateway.Error.Code != "" {
		out.Code = gateway.Error.Code
		out.Message = gateway.Error.Message
		return out
	}

	var service struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body, &service); err == nil && service.Msg != "" {
		out.Message = service.Msg
		return out
	}

	out.Message = strings.TrimSpace(string(body))
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}
