package discovery

import (
	"context"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// Sink consumes batches of candidates. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.CandidateSource) error
	Close(ctx context.Context) error
}
