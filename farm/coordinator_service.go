package farm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/coordinator"
	"github.com/buddhike/mandelfarm/discovery"
	"github.com/buddhike/mandelfarm/events"
	"github.com/buddhike/mandelfarm/fabric"
	"github.com/buddhike/mandelfarm/raster"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// CoordinatorService runs one coordinator process: the HTTP fabric, the
// coordinator loop and the optional registry entry, embedded etcd member and
// progress stream.
type CoordinatorService struct {
	cfg                  *Config
	id                   string
	server               *fabric.Server
	coordinator          *coordinator.Coordinator
	result               *raster.Image
	err                  error
	runDone              chan struct{}
	stop                 chan struct{}
	done                 chan struct{}
	shutdown             *sync.Once
	componentsDoneNotify map[string]<-chan struct{}
	logger               *zap.Logger
}

func NewCoordinatorService(c canvas.Canvas, opts ...func(*Config)) *CoordinatorService {
	cfg := defaultConfig(c)
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	return &CoordinatorService{
		cfg:                  &cfg,
		id:                   id,
		runDone:              make(chan struct{}),
		stop:                 make(chan struct{}),
		done:                 make(chan struct{}),
		shutdown:             &sync.Once{},
		componentsDoneNotify: make(map[string]<-chan struct{}),
		logger:               cfg.getLogger().Named("coordinatorservice").With(zap.String("run", cfg.RunName), zap.String("id", id)),
	}
}

// Start brings up every component and begins the run. It returns once
// workers can join. Components already running are stopped if a later one
// fails to start.
func (s *CoordinatorService) Start() error {
	if s.cfg.Workers < 0 {
		return fmt.Errorf("worker count must not be negative, got %d", s.cfg.Workers)
	}

	if s.cfg.EmbeddedEtcd {
		etcdServer := discovery.NewEtcdServer(discovery.EtcdConfig{
			Name:         s.cfg.EtcdName,
			Dir:          s.cfg.EtcdDir,
			ClientURL:    s.cfg.EtcdClientURL,
			PeerURL:      s.cfg.EtcdPeerURL,
			StartTimeout: time.Duration(s.cfg.EtcdStartTimeoutSeconds) * time.Second,
		}, s.stop, s.logger)
		if err := etcdServer.Start(); err != nil {
			return s.abort(err)
		}
		s.componentsDoneNotify["EtcdServer"] = etcdServer.Done()
	}

	observers := s.cfg.observers
	if s.cfg.KinesisStream != "" {
		publisher, err := s.startPublisher()
		if err != nil {
			return s.abort(err)
		}
		observers = append(observers, publisher)
		s.componentsDoneNotify["Publisher"] = publisher.Done()
		go func() {
			select {
			case <-s.runDone:
			case <-s.stop:
			}
			publisher.Stop()
		}()
	}

	s.server = fabric.NewServer(s.cfg.Canvas, s.cfg.Workers, s.cfg.ListenAddress, s.stop, s.logger)
	opts := []func(*coordinator.Coordinator){coordinator.WithLogger(s.logger)}
	for _, o := range observers {
		opts = append(opts, coordinator.WithObserver(o))
	}
	co, err := coordinator.New(s.cfg.Canvas, s.server, opts...)
	if err != nil {
		return s.abort(err)
	}
	s.coordinator = co
	s.server.SetStateSource(co.State)

	if err := s.server.Start(); err != nil {
		return s.abort(err)
	}
	s.componentsDoneNotify["FabricServer"] = s.server.Done()

	if endpoints := s.cfg.GetEtcdEndpoints(); len(endpoints) > 0 {
		done, err := s.register(endpoints)
		if err != nil {
			return s.abort(err)
		}
		s.componentsDoneNotify["Registry"] = done
	}

	s.componentsDoneNotify["Coordinator"] = s.runDone
	go s.run()
	return nil
}

func (s *CoordinatorService) abort(err error) error {
	s.logger.Error("failed to start", zap.Error(err))
	s.Stop()
	return err
}

func (s *CoordinatorService) startPublisher() (*events.Publisher, error) {
	kds := s.cfg.KinesisClient
	if kds == nil {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, err
		}
		kds = kinesis.NewFromConfig(cfg)
	}
	publisher := events.NewPublisher(kds, s.cfg.KinesisStream, s.cfg.RunName, s.logger)
	if err := publisher.Start(context.Background()); err != nil {
		return nil, err
	}
	return publisher, nil
}

// register publishes this coordinator under a lease owned by an etcd
// session. The entry disappears with the session if the process dies.
func (s *CoordinatorService) register(endpoints []string) (<-chan struct{}, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	session, err := concurrency.NewSession(cli, concurrency.WithTTL(s.cfg.RegistrationTtlSeconds))
	if err != nil {
		cli.Close()
		return nil, err
	}

	url := s.URL()
	registry := discovery.NewRegistry(cli, s.cfg.RunName)
	err = registry.Publish(context.Background(), discovery.Record{
		CoordinatorID: s.id,
		URL:           url,
		Workers:       s.cfg.Workers,
		Canvas:        s.cfg.Canvas,
		PublishedAt:   time.Now().UTC(),
	}, clientv3.WithLease(session.Lease()))
	if err != nil {
		session.Close()
		cli.Close()
		return nil, err
	}
	s.logger.Info("coordinator published", zap.String("key", registry.Key()), zap.String("url", url))

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-s.stop:
		case <-session.Done():
			s.logger.Warn("registry session expired")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := registry.Withdraw(ctx); err != nil {
			s.logger.Warn("failed to withdraw coordinator", zap.Error(err))
		}
		if err := session.Close(); err != nil {
			s.logger.Warn("failed to close registry session", zap.Error(err))
		}
		cli.Close()
	}()
	return done, nil
}

func (s *CoordinatorService) run() {
	defer close(s.runDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	img, err := s.coordinator.Run(ctx)
	if err != nil {
		s.err = err
		s.logger.Error("run failed", zap.Error(err))
		return
	}
	if err := s.server.AwaitDelivered(ctx); err != nil {
		s.err = err
		return
	}
	if err := writeOutputs(s.cfg, img, s.logger); err != nil {
		s.err = err
		return
	}
	s.result = img
}

// URL is the address workers use to reach this coordinator.
func (s *CoordinatorService) URL() string {
	if s.cfg.AdvertiseURL != "" {
		return s.cfg.AdvertiseURL
	}
	return "http://" + s.server.Addr()
}

// RunDone is closed when the run finished, successfully or not, and every
// worker was handed its termination.
func (s *CoordinatorService) RunDone() <-chan struct{} {
	return s.runDone
}

// Result is valid after RunDone is closed.
func (s *CoordinatorService) Result() (*raster.Image, error) {
	<-s.runDone
	return s.result, s.err
}

func (s *CoordinatorService) Stop() {
	s.shutdown.Do(func() {
		close(s.stop)
		for k, v := range s.componentsDoneNotify {
			s.logger.Info("shutdown initiated", zap.String("component", k))
			<-v
			s.logger.Info("shutdown complete", zap.String("component", k))
		}
		close(s.done)
	})
}

func (s *CoordinatorService) Done() <-chan struct{} {
	return s.done
}
