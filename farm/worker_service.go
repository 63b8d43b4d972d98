package farm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/discovery"
	"github.com/buddhike/mandelfarm/fabric"
	"github.com/buddhike/mandelfarm/worker"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

var ErrNoCoordinator = errors.New("no coordinator url and no etcd endpoints to discover one")

// WorkerService runs one worker process against a remote coordinator. The
// coordinator is either given by URL or resolved from the registry.
type WorkerService struct {
	cfg    *Config
	stats  worker.Stats
	err    error
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

func NewWorkerService(rank int, opts ...func(*Config)) *WorkerService {
	cfg := defaultConfig(canvas.Canvas{})
	cfg.Rank = rank
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}

	return &WorkerService{
		cfg:    &cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.getLogger().Named("workerservice").With(zap.Int("rank", cfg.Rank), zap.String("workerid", cfg.WorkerID)),
	}
}

func (s *WorkerService) Start() error {
	if s.cfg.Rank < 1 {
		return fmt.Errorf("worker rank must be at least 1, got %d", s.cfg.Rank)
	}
	if s.cfg.CoordinatorURL == "" && len(s.cfg.GetEtcdEndpoints()) == 0 {
		return ErrNoCoordinator
	}

	go func() {
		defer close(s.done)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-s.stop:
				cancel()
			case <-ctx.Done():
			}
		}()

		s.stats, s.err = s.run(ctx)
		if s.err != nil {
			s.logger.Error("worker failed", zap.Error(s.err))
		}
	}()
	return nil
}

func (s *WorkerService) run(ctx context.Context) (worker.Stats, error) {
	url := s.cfg.CoordinatorURL
	if url == "" {
		rec, err := s.resolve(ctx)
		if err != nil {
			return worker.Stats{}, err
		}
		url = rec.URL
	}
	s.logger.Info("coordinator found", zap.String("url", url))

	client := fabric.NewClient(url, s.cfg.Rank, s.cfg.WorkerID, s.logger)
	w := worker.New(s.cfg.Rank, client, worker.WithLogger(s.logger), worker.WithID(s.cfg.WorkerID))
	return w.Run(ctx)
}

func (s *WorkerService) resolve(ctx context.Context) (discovery.Record, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.cfg.GetEtcdEndpoints(),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return discovery.Record{}, err
	}
	defer cli.Close()

	rec, err := discovery.NewRegistry(cli, s.cfg.RunName).Resolve(ctx)
	if err != nil {
		return discovery.Record{}, fmt.Errorf("failed to resolve coordinator for run %s: %w", s.cfg.RunName, err)
	}
	if s.cfg.Rank > rec.Workers {
		return discovery.Record{}, fmt.Errorf("rank %d exceeds the %d workers of run %s", s.cfg.Rank, rec.Workers, s.cfg.RunName)
	}
	return rec, nil
}

// Result is valid after Done is closed.
func (s *WorkerService) Result() (worker.Stats, error) {
	<-s.done
	return s.stats, s.err
}

func (s *WorkerService) Stop() {
	close(s.stop)
	<-s.done
}

func (s *WorkerService) Done() <-chan struct{} {
	return s.done
}
