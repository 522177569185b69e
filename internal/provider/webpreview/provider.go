// Package webpreview reads public channels through their web preview
// pages (/s/<handle>) with a Colly collector. It needs no credentials, so
// it serves identities that have no feed bridge account.
package webpreview

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// MaxPages bounds how many preview pages one History call may walk.
	MaxPages int `mapstructure:"max_pages"`
}

// Provider implements crawler.Provider on web preview pages.
type Provider struct {
	cfg       Config
	base      *url.URL
	collector *colly.Collector
	logger    *zap.Logger
}

var _ crawler.Provider = (*Provider)(nil)

// New builds a Provider. A nil transport gets a pooled default.
func New(cfg Config, transport http.RoundTripper, logger *zap.Logger) (*Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://t.me"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if transport == nil {
		transport = newHTTPTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Provider{cfg: cfg, base: base, collector: c, logger: logger}, nil
}

// page is what one preview page yields.
type page struct {
	found    bool
	meta     crawler.SourceMeta
	messages []crawler.Message
}

// GetSourceInfo reads the channel header of the latest preview page.
func (p *Provider) GetSourceInfo(ctx context.Context, ref string) (crawler.SourceMeta, error) {
	handle := normalize(ref)
	pg, err := p.fetch(ctx, handle, nil)
	if err != nil {
		return crawler.SourceMeta{}, err
	}
	if !pg.found {
		return crawler.SourceMeta{}, fmt.Errorf("source %s: %w: no public preview", ref, crawler.ErrSourceUnavailable)
	}
	meta := pg.meta
	meta.ID = handle
	if meta.Handle == "" {
		meta.Handle = "@" + handle
	}
	for _, m := range pg.messages {
		if m.ID > meta.LastMessageID {
			meta.LastMessageID = m.ID
		}
	}
	return meta, nil
}

// History walks preview pages until Limit messages are collected or the
// channel runs out. Results are ascending.
func (p *Provider) History(ctx context.Context, ref string, req crawler.HistoryRequest) ([]crawler.Message, error) {
	handle := normalize(ref)
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	collected := make(map[int64]crawler.Message)
	cursor := req.Offset

	for i := 0; i < p.cfg.MaxPages && len(collected) < limit; i++ {
		q := url.Values{}
		switch {
		case req.Direction == crawler.Backward && cursor > 0:
			q.Set("before", strconv.FormatInt(cursor, 10))
		case req.Direction != crawler.Backward:
			q.Set("after", strconv.FormatInt(cursor, 10))
		}
		pg, err := p.fetch(ctx, handle, q)
		if err != nil {
			return nil, err
		}
		if !pg.found {
			return nil, fmt.Errorf("source %s: %w: no public preview", ref, crawler.ErrSourceUnavailable)
		}

		next := cursor
		for _, m := range pg.messages {
			if req.Direction == crawler.Backward {
				if cursor > 0 && m.ID >= cursor {
					continue
				}
				if next == cursor || m.ID < next {
					next = m.ID
				}
			} else {
				if m.ID <= cursor {
					continue
				}
				if m.ID > next {
					next = m.ID
				}
			}
			collected[m.ID] = m
		}
		if next == cursor {
			break
		}
		cursor = next
	}

	out := make([]crawler.Message, 0, len(collected))
	for _, m := range collected {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		if req.Direction == crawler.Backward {
			out = out[len(out)-limit:]
		} else {
			out = out[:limit]
		}
	}
	return out, nil
}

func (p *Provider) pageURL(handle string, q url.Values) string {
	u := *p.base
	u.Path = p.base.Path + "/s/" + handle
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *Provider) fetch(ctx context.Context, handle string, q url.Values) (page, error) {
	var (
		result   page
		fetchErr error
	)
	collector := p.collector.Clone()
	p.configureCollectorHooks(collector, handle, &result, &fetchErr)

	target := p.pageURL(handle, q)
	if err := runCollector(ctx, collector, target, &fetchErr); err != nil {
		p.logger.Debug("preview fetch failed", zap.String("url", target), zap.Error(err))
		return page{}, err
	}
	return result, nil
}

func (p *Provider) configureCollectorHooks(c *colly.Collector, handle string, result *page, fetchErr *error) {
	c.OnHTML(".tgme_channel_info", func(e *colly.HTMLElement) {
		result.found = true
		result.meta.Title = strings.TrimSpace(e.ChildText(".tgme_channel_info_header_title"))
		if u := strings.TrimSpace(e.ChildText(".tgme_channel_info_header_username")); u != "" {
			result.meta.Handle = strings.ToLower(u)
		}
		e.ForEach(".tgme_channel_info_counter", func(_ int, el *colly.HTMLElement) {
			kind := strings.TrimSpace(el.ChildText(".counter_type"))
			if strings.HasPrefix(kind, "subscriber") || strings.HasPrefix(kind, "member") {
				result.meta.MemberCount = parseCount(el.ChildText(".counter_value"))
			}
		})
	})

	c.OnHTML(".tgme_widget_message[data-post]", func(e *colly.HTMLElement) {
		result.found = true
		if msg, ok := parseMessage(e, handle); ok {
			result.messages = append(result.messages, msg)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		*fetchErr = classify(r, err)
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("preview fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("visit %s: %w: %w", target, crawler.ErrTransient, err)
		}
		return nil
	}
}

// classify maps a failed preview response onto the crawler error taxonomy.
func classify(r *colly.Response, err error) error {
	if r == nil || r.StatusCode == 0 {
		return fmt.Errorf("preview request: %w: %w", crawler.ErrTransient, err)
	}
	switch code := r.StatusCode; {
	case code == http.StatusTooManyRequests:
		wait := 30 * time.Second
		if r.Headers != nil {
			if secs, perr := strconv.Atoi(r.Headers.Get("Retry-After")); perr == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		return crawler.RateLimited(wait)
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("preview status %d: %w", code, crawler.ErrSourceUnavailable)
	default:
		return fmt.Errorf("preview status %d: %w", code, crawler.ErrTransient)
	}
}

func parseMessage(e *colly.HTMLElement, handle string) (crawler.Message, bool) {
	post := e.Attr("data-post")
	idx := strings.LastIndex(post, "/")
	if idx < 0 {
		return crawler.Message{}, false
	}
	id, err := strconv.ParseInt(post[idx+1:], 10, 64)
	if err != nil || id <= 0 {
		return crawler.Message{}, false
	}
	msg := crawler.Message{
		ID:   id,
		Text: strings.TrimSpace(e.ChildText(".tgme_widget_message_text")),
	}
	if ts := e.ChildAttr("time[datetime]", "datetime"); ts != "" {
		if at, err := time.Parse(time.RFC3339, ts); err == nil {
			msg.Date = at.UTC()
		}
	}
	if href := e.ChildAttr("a.tgme_widget_message_forwarded_from_name", "href"); href != "" {
		msg.ForwardedFrom = handleFromLink(href)
	}

	// Previews expose no file identity; the post path stands in for it.
	fileID := handle + "/" + strconv.FormatInt(id, 10)
	switch {
	case e.DOM.Find(".tgme_widget_message_document").Length() > 0:
		msg.Media = &crawler.Media{
			FileUniqueID: fileID,
			Kind:         crawler.MediaDocument,
			FileName:     strings.TrimSpace(e.ChildText(".tgme_widget_message_document_title")),
		}
	case e.DOM.Find(".tgme_widget_message_video_player, video").Length() > 0:
		msg.Media = &crawler.Media{FileUniqueID: fileID, Kind: crawler.MediaVideo}
	case e.DOM.Find(".tgme_widget_message_voice, audio").Length() > 0:
		msg.Media = &crawler.Media{FileUniqueID: fileID, Kind: crawler.MediaAudio}
	case e.DOM.Find(".tgme_widget_message_photo_wrap").Length() > 0:
		msg.Media = &crawler.Media{FileUniqueID: fileID, Kind: crawler.MediaPhoto}
	}
	return msg, true
}

// handleFromLink turns https://t.me/name/123 into @name.
func handleFromLink(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	if parts[0] == "s" && len(parts) > 1 {
		return "@" + strings.ToLower(parts[1])
	}
	return "@" + strings.ToLower(parts[0])
}

// parseCount reads counters such as "5 400", "12.3K" or "1.2M".
func parseCount(v string) int64 {
	v = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(v), " ", ""))
	if v == "" {
		return 0
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(v, "K"):
		mult, v = 1_000, strings.TrimSuffix(v, "K")
	case strings.HasSuffix(v, "M"):
		mult, v = 1_000_000, strings.TrimSuffix(v, "M")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * mult))
}

func normalize(ref string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ref), "@"))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
