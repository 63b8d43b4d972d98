package discovery

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	etcdembed "go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"
)

var ErrEtcdStartTimeout = errors.New("embedded etcd took too long to start")

type EtcdConfig struct {
	Name         string
	Dir          string
	ClientURL    string
	PeerURL      string
	StartTimeout time.Duration
}

// EtcdServer runs a single member etcd inside the coordinator process so a
// farm can be started without an external cluster.
type EtcdServer struct {
	cfg    EtcdConfig
	done   chan struct{}
	stop   chan struct{}
	logger *zap.Logger
}

func NewEtcdServer(cfg EtcdConfig, stop chan struct{}, logger *zap.Logger) *EtcdServer {
	return &EtcdServer{
		cfg:    cfg,
		done:   make(chan struct{}),
		stop:   stop,
		logger: logger.Named("etcdserver").With(zap.String("name", cfg.Name)),
	}
}

// Start returns once the member is ready to serve clients.
func (s *EtcdServer) Start() error {
	clientURL, err := url.Parse(s.cfg.ClientURL)
	if err != nil {
		return err
	}
	peerURL, err := url.Parse(s.cfg.PeerURL)
	if err != nil {
		return err
	}

	cfg := etcdembed.NewConfig()
	cfg.Name = s.cfg.Name
	cfg.Dir = s.cfg.Dir
	if cfg.Dir == "" {
		cfg.Dir = fmt.Sprintf("%s.etcd", cfg.Name)
	}
	cfg.Logger = "zap"
	cfg.ZapLoggerBuilder = etcdembed.NewZapLoggerBuilder(s.logger.Named("etcd"))
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	e, err := etcdembed.StartEtcd(cfg)
	if err != nil {
		return err
	}

	timeout := s.cfg.StartTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	select {
	case <-e.Server.ReadyNotify():
		s.logger.Info("embedded etcd server is ready", zap.String("client-url", s.cfg.ClientURL))
	case <-time.After(timeout):
		e.Server.Stop()
		e.Close()
		close(s.done)
		return ErrEtcdStartTimeout
	}

	go func() {
		defer close(s.done)
		<-s.stop
		e.Server.Stop()

		select {
		case <-e.Server.StopNotify():
			s.logger.Info("embedded etcd server stopped")
		case <-time.After(60 * time.Second):
			s.logger.Warn("embedded etcd server took too long to stop")
		}
		e.Close()
	}()

	return nil
}

func (s *EtcdServer) Done() <-chan struct{} {
	return s.done
}
