package forward

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/punchportal/internal/config"
	"github.com/die-net/punchportal/internal/log"
	"github.com/die-net/punchportal/internal/portal"
)

// Supervisor resolves and runs every rule of a configuration.
type Supervisor struct {
	Portal  portal.Options
	Backlog int
	Metrics *Metrics
	Logger  log.Logger
}

// Run resolves every rule, then runs them all until one fails or ctx is
// done. The first fatal error, from resolution or from a running rule, is
// returned and stops the other rules.
func (s *Supervisor) Run(ctx context.Context, cfg *config.Config) error {
	logger := s.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts := s.Portal
	opts.Logger = logger

	engines := make([]*Engine, 0, len(cfg.Forward))
	closeAll := func() {
		for _, e := range engines {
			e.close()
		}
	}

	for i, fwd := range cfg.Forward {
		name := fwd.Label(i)

		src, err := portal.Resolve(ctx, name, "source", fwd.Source, opts)
		if err != nil {
			closeAll()
			return err
		}
		dst, err := portal.Resolve(ctx, name, "destination", fwd.Destination, opts)
		if err != nil {
			closeAll()
			return multierr.Append(err, src.Close())
		}

		engines = append(engines, &Engine{
			Name:        name,
			Source:      src,
			Destination: dst,
			Backlog:     s.Backlog,
			Metrics:     s.Metrics,
			Logger:      logger,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range engines {
		g.Go(func() error {
			return e.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stopping all rules: %w", err)
	}
	return nil
}
