package farm

import (
	"context"
	"fmt"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/coordinator"
	"github.com/buddhike/mandelfarm/fabric"
	"github.com/buddhike/mandelfarm/raster"
	"github.com/buddhike/mandelfarm/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunLocal runs a coordinator and its workers as goroutines of this process
// over the channel fabric. Output options are honored once the image is
// complete.
func RunLocal(ctx context.Context, c canvas.Canvas, opts ...func(*Config)) (*raster.Image, []worker.Stats, error) {
	cfg := defaultConfig(c)
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers < 0 {
		return nil, nil, fmt.Errorf("worker count must not be negative, got %d", cfg.Workers)
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	f := fabric.NewLocal(c, cfg.Workers)
	coOpts := []func(*coordinator.Coordinator){coordinator.WithLogger(logger)}
	for _, o := range cfg.observers {
		coOpts = append(coOpts, coordinator.WithObserver(o))
	}
	co, err := coordinator.New(c, f, coOpts...)
	if err != nil {
		return nil, nil, err
	}

	stats := make([]worker.Stats, cfg.Workers)
	g, ctx := errgroup.WithContext(ctx)
	for rank := 1; rank <= cfg.Workers; rank++ {
		rank := rank
		ep, err := f.Endpoint(rank)
		if err != nil {
			return nil, nil, err
		}
		w := worker.New(rank, ep, worker.WithLogger(logger))
		g.Go(func() error {
			s, err := w.Run(ctx)
			stats[rank-1] = s
			return err
		})
	}

	var img *raster.Image
	g.Go(func() error {
		var err error
		img, err = co.Run(ctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, stats, err
	}
	if err := writeOutputs(&cfg, img, logger); err != nil {
		return img, stats, err
	}
	return img, stats, nil
}
