package discovery

import (
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

var (
	handlePattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z][A-Za-z0-9_]{4,31})\b`)
	linkPattern   = regexp.MustCompile(`(?i)\bt(?:elegram)?\.me/(?:s/)?([A-Za-z][A-Za-z0-9_]{4,31})\b`)
)

// reserved link paths that never name a source.
var reserved = map[string]bool{
	"joinchat":    true,
	"addstickers": true,
	"share":       true,
	"proxy":       true,
	"socks":       true,
	"addemoji":    true,
}

// NormalizeRef lowercases a handle and adds the leading @.
func NormalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	return "@" + strings.ToLower(strings.TrimPrefix(ref, "@"))
}

// Extract returns the sources mentioned or forwarded in msg, excluding
// self. Each ref appears once with Mentions set to 1.
func Extract(msg crawler.Message, self string, now time.Time) []crawler.CandidateSource {
	selfRef := NormalizeRef(self)
	seen := make(map[string]bool)
	var out []crawler.CandidateSource
	add := func(raw string) {
		ref := NormalizeRef(raw)
		if ref == "" || ref == selfRef || seen[ref] || reserved[strings.TrimPrefix(ref, "@")] {
			return
		}
		seen[ref] = true
		out = append(out, crawler.CandidateSource{
			Ref:            ref,
			DiscoveredFrom: self,
			FirstSeenAt:    now,
			Mentions:       1,
			Status:         crawler.CandidatePending,
		})
	}

	if msg.ForwardedFrom != "" {
		add(msg.ForwardedFrom)
	}
	for _, m := range linkPattern.FindAllStringSubmatch(msg.Text, -1) {
		add(m[1])
	}
	for _, m := range handlePattern.FindAllStringSubmatch(msg.Text, -1) {
		add(m[1])
	}
	return out
}
