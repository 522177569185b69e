// Package httpfeed talks to a feed bridge over JSON/HTTP. Each identity
// gets its own Client carrying that identity's bearer token.
package httpfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

const defaultRetryAfter = 30 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// Client implements crawler.Provider.
type Client struct {
	base      *url.URL
	token     string
	userAgent string
	http      *http.Client
	logger    *zap.Logger
}

var _ crawler.Provider = (*Client)(nil)

// New builds a Client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("httpfeed base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "feedindex-crawler/1.0"
	}
	return &Client{base: base, token: cfg.Token, userAgent: ua, http: httpClient, logger: logger}, nil
}

type historyResponse struct {
	Messages []crawler.Message `json:"messages"`
}

// GetSourceInfo resolves ref to the provider's metadata.
func (c *Client) GetSourceInfo(ctx context.Context, ref string) (crawler.SourceMeta, error) {
	var meta crawler.SourceMeta
	if err := c.get(ctx, c.sourcePath(ref), nil, &meta); err != nil {
		return crawler.SourceMeta{}, err
	}
	if meta.ID == "" {
		return crawler.SourceMeta{}, fmt.Errorf("source %s: %w: empty id in response", ref, crawler.ErrTransient)
	}
	return meta, nil
}

// History fetches one page of messages, always returned in ascending order.
func (c *Client) History(ctx context.Context, ref string, req crawler.HistoryRequest) ([]crawler.Message, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(req.Offset, 10))
	dir := req.Direction
	if dir == "" {
		dir = crawler.Forward
	}
	q.Set("direction", string(dir))
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var out historyResponse
	if err := c.get(ctx, c.sourcePath(ref)+"/history", q, &out); err != nil {
		return nil, err
	}
	sort.Slice(out.Messages, func(i, j int) bool { return out.Messages[i].ID < out.Messages[j].ID })
	return out.Messages, nil
}

func (c *Client) sourcePath(ref string) string {
	return "/v1/sources/" + strings.TrimPrefix(ref, "/")
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dst any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("GET %s: %w", path, ctx.Err())
		}
		return fmt.Errorf("GET %s: %w: %w", path, crawler.ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classify(resp, time.Now()); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Debug("feed bridge error", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Error(err))
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w: %w", path, crawler.ErrTransient, err)
	}
	return nil
}

// classify maps a bridge response onto the crawler error taxonomy.
func classify(resp *http.Response, now time.Time) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return crawler.RateLimited(retryAfter(resp.Header.Get("Retry-After"), now))
	case code == http.StatusNotFound, code == http.StatusGone, code == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", code, crawler.ErrSourceUnavailable)
	default:
		return fmt.Errorf("status %d: %w", code, crawler.ErrTransient)
	}
}

// retryAfter parses delta-seconds or an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return time.Second
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
		return time.Second
	}
	return defaultRetryAfter
}
