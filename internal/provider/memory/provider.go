// Package memory implements crawler.Provider over in-memory feeds. It backs
// local runs and tests; failures can be scripted per call.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

type feed struct {
	meta     crawler.SourceMeta
	messages []crawler.Message
}

// Provider serves History pages from registered feeds. Refs match either
// the feed id or its handle, case-insensitively.
type Provider struct {
	mu       sync.Mutex
	feeds    map[string]*feed
	aliases  map[string]string
	failures []error
	calls    []crawler.HistoryRequest
}

// New returns an empty Provider.
func New() *Provider {
	return &Provider{
		feeds:   make(map[string]*feed),
		aliases: make(map[string]string),
	}
}

func normalize(ref string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ref), "@"))
}

// AddFeed registers a feed. Messages are kept sorted by id.
func (p *Provider) AddFeed(meta crawler.SourceMeta, messages ...crawler.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := append([]crawler.Message(nil), messages...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	if n := len(msgs); n > 0 && msgs[n-1].ID > meta.LastMessageID {
		meta.LastMessageID = msgs[n-1].ID
	}
	p.feeds[meta.ID] = &feed{meta: meta, messages: msgs}
	p.aliases[normalize(meta.ID)] = meta.ID
	if meta.Handle != "" {
		p.aliases[normalize(meta.Handle)] = meta.ID
	}
}

// Append adds messages to an existing feed.
func (p *Provider) Append(id string, messages ...crawler.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.feeds[id]
	if !ok {
		return
	}
	f.messages = append(f.messages, messages...)
	sort.Slice(f.messages, func(i, j int) bool { return f.messages[i].ID < f.messages[j].ID })
	if last := f.messages[len(f.messages)-1].ID; last > f.meta.LastMessageID {
		f.meta.LastMessageID = last
	}
}

// Remove deletes a feed so later calls report ErrSourceUnavailable.
func (p *Provider) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.feeds[id]; ok {
		delete(p.aliases, normalize(f.meta.Handle))
	}
	delete(p.aliases, normalize(id))
	delete(p.feeds, id)
}

// FailNext queues errors returned, in order, by the next provider calls.
func (p *Provider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// Calls returns the History requests served so far.
func (p *Provider) Calls() []crawler.HistoryRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]crawler.HistoryRequest(nil), p.calls...)
}

func (p *Provider) popFailure() error {
	if len(p.failures) == 0 {
		return nil
	}
	err := p.failures[0]
	p.failures = p.failures[1:]
	return err
}

func (p *Provider) lookup(ref string) (*feed, error) {
	id, ok := p.aliases[normalize(ref)]
	if !ok {
		return nil, fmt.Errorf("feed %s: %w", ref, crawler.ErrSourceUnavailable)
	}
	return p.feeds[id], nil
}

// GetSourceInfo returns the registered meta for ref.
func (p *Provider) GetSourceInfo(ctx context.Context, ref string) (crawler.SourceMeta, error) {
	if err := ctx.Err(); err != nil {
		return crawler.SourceMeta{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(); err != nil {
		return crawler.SourceMeta{}, err
	}
	f, err := p.lookup(ref)
	if err != nil {
		return crawler.SourceMeta{}, err
	}
	return f.meta, nil
}

// History serves one page following crawler.HistoryRequest semantics.
func (p *Provider) History(ctx context.Context, ref string, req crawler.HistoryRequest) ([]crawler.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if err := p.popFailure(); err != nil {
		return nil, err
	}
	f, err := p.lookup(ref)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []crawler.Message
	if req.Direction == crawler.Backward {
		for i := len(f.messages) - 1; i >= 0 && len(out) < limit; i-- {
			if req.Offset > 0 && f.messages[i].ID >= req.Offset {
				continue
			}
			out = append(out, f.messages[i])
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}
	for _, m := range f.messages {
		if m.ID <= req.Offset {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
