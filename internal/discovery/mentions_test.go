package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

func refs(cs []crawler.CandidateSource) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Ref)
	}
	return out
}

func TestExtract(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		msg  crawler.Message
		want []string
	}{
		{
			name: "handles and links",
			msg:  crawler.Message{Text: "see @Alpha_News and https://t.me/beta_feed for more"},
			want: []string{"@beta_feed", "@alpha_news"},
		},
		{
			name: "forward first and deduplicated",
			msg:  crawler.Message{ForwardedFrom: "gamma_feed", Text: "via @gamma_feed"},
			want: []string{"@gamma_feed"},
		},
		{
			name: "self and reserved paths ignored",
			msg:  crawler.Message{Text: "@origin_feed t.me/joinchat/AAAA t.me/share/url"},
			want: []string{},
		},
		{
			name: "emails and short handles ignored",
			msg:  crawler.Message{Text: "mail me at someone@example_host.com or @abc"},
			want: []string{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Extract(tc.msg, "@origin_feed", now)
			require.Equal(t, tc.want, refs(got))
			for _, c := range got {
				require.Equal(t, "@origin_feed", c.DiscoveredFrom)
				require.Equal(t, int64(1), c.Mentions)
				require.Equal(t, crawler.CandidatePending, c.Status)
				require.Equal(t, now, c.FirstSeenAt)
			}
		})
	}
}

func TestNormalizeRef(t *testing.T) {
	require.Equal(t, "@alpha", NormalizeRef(" Alpha "))
	require.Equal(t, "@alpha", NormalizeRef("@ALPHA"))
	require.Empty(t, NormalizeRef("  "))
}
