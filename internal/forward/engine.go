package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/punchportal/internal/log"
	"github.com/die-net/punchportal/internal/portal"
)

// DefaultBacklog is the number of inbound links that may wait for a
// destination link.
const DefaultBacklog = 16

// Engine forwards links from one source portal to one destination portal.
// The Engine owns both portals and closes them when Run returns.
type Engine struct {
	Name        string
	Source      portal.Portal
	Destination portal.Portal

	// Backlog bounds how many accepted links may wait while an earlier
	// link's destination is being dialed. Links are dialed in the order
	// they were accepted.
	Backlog int

	Metrics *Metrics
	Logger  log.Logger
}

// Run forwards links until the source portal fails or ctx is done. A
// destination failure drops the inbound link it was dialed for and is
// otherwise ignored. Run returns nil when ctx ends it.
func (e *Engine) Run(ctx context.Context) error {
	backlog := e.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	metrics := e.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	logger := e.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = logger.With("rule", e.Name)

	pending := make(chan portal.Stream, backlog)
	var links sync.WaitGroup

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			in, err := e.Source.Link(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("forward %s: source: %w", e.Name, err)
			}
			metrics.Links.WithLabelValues(e.Name).Inc()

			select {
			case pending <- in:
			case <-gctx.Done():
				in.Close()
				return nil
			}
		}
	})
	g.Go(func() error {
		for {
			var in portal.Stream
			select {
			case in = <-pending:
			case <-gctx.Done():
				return nil
			}

			out, err := e.Destination.Link(gctx)
			if err != nil {
				in.Close()
				if gctx.Err() != nil {
					return nil
				}
				metrics.DialFailures.WithLabelValues(e.Name).Inc()
				logger.Debug("destination link failed, dropping inbound link", "err", err)
				continue
			}

			links.Go(func() {
				e.splice(gctx, in, out, metrics, logger)
			})
		}
	})

	logger.Info("forwarding")
	err := g.Wait()

	close(pending)
	for in := range pending {
		in.Close()
	}
	links.Wait()

	err = multierr.Append(err, e.close())
	if err != nil {
		logger.Error("forwarding stopped", "err", err)
	} else {
		logger.Info("forwarding stopped")
	}
	return err
}

func (e *Engine) splice(ctx context.Context, in, out portal.Stream, metrics *Metrics, logger log.Logger) {
	logger = logger.With("link", uuid.NewString())
	active := metrics.Active.WithLabelValues(e.Name)
	active.Inc()
	defer active.Dec()

	logger.Debug("link open")
	stats, err := Splice(ctx, in, out)
	metrics.Bytes.WithLabelValues(e.Name, "out").Add(float64(stats.Out))
	metrics.Bytes.WithLabelValues(e.Name, "in").Add(float64(stats.In))
	logger.Debug("link closed", "out", stats.Out, "in", stats.In, "err", err)
}

// close closes both portals. A portal already closed by a fatal error
// reports ErrClosed, which is not worth returning.
func (e *Engine) close() error {
	var err error
	for _, p := range []portal.Portal{e.Source, e.Destination} {
		if cerr := p.Close(); cerr != nil && !errors.Is(cerr, portal.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
