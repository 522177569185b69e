// Package dispatcher fans identity-bound workers out over the broker.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
	"github.com/JakeFAU/feedindex-crawler/internal/worker"
)

// Dispatcher runs one consume loop per worker. Workers never share an
// identity, so each loop owns its queue.
type Dispatcher struct {
	broker  crawler.Broker
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher. It rejects two workers bound to one identity.
func New(broker crawler.Broker, workers []*worker.Worker, logger *zap.Logger) (*Dispatcher, error) {
	if broker == nil {
		return nil, errors.New("dispatcher requires a broker")
	}
	seen := make(map[string]bool, len(workers))
	for _, w := range workers {
		if seen[w.Identity()] {
			return nil, fmt.Errorf("identity %q bound to more than one worker", w.Identity())
		}
		seen[w.Identity()] = true
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{broker: broker, workers: workers, logger: logger}, nil
}

// Identities lists the identities served, in worker order.
func (d *Dispatcher) Identities() []string {
	out := make([]string, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w.Identity())
	}
	return out
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned. Errors from individual workers are joined.
func (d *Dispatcher) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			if err := wk.Run(ctx, d.broker); err != nil {
				d.logger.Error("worker exited", zap.String("identity", wk.Identity()), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return errors.Join(errs...)
}
