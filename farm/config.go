package farm

import (
	"strings"

	"github.com/buddhike/mandelfarm/aws"
	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/coordinator"
	"go.uber.org/zap"
)

type Config struct {
	Canvas                  canvas.Canvas
	RunName                 string
	Workers                 int
	Rank                    int
	WorkerID                string
	ListenAddress           string
	AdvertiseURL            string
	CoordinatorURL          string
	EtcdEndpoints           string
	EmbeddedEtcd            bool
	EtcdName                string
	EtcdDir                 string
	EtcdClientURL           string
	EtcdPeerURL             string
	EtcdStartTimeoutSeconds int
	RegistrationTtlSeconds  int
	KinesisStream           string
	KinesisClient           aws.Kinesis
	Output                  string
	ThumbnailPath           string
	ThumbnailSize           uint
	observers               []coordinator.Observer
	logger                  *zap.Logger
}

func defaultConfig(c canvas.Canvas) Config {
	return Config{
		Canvas:                  c,
		RunName:                 "default",
		ListenAddress:           "localhost:13001",
		EtcdName:                "mandelfarm",
		EtcdClientURL:           "http://localhost:11001",
		EtcdPeerURL:             "http://localhost:12001",
		EtcdStartTimeoutSeconds: 30,
		RegistrationTtlSeconds:  60,
		ThumbnailSize:           512,
	}
}

// GetEtcdEndpoints falls back to the embedded member when no endpoints are
// configured.
func (cfg *Config) GetEtcdEndpoints() []string {
	if cfg.EtcdEndpoints == "" {
		if cfg.EmbeddedEtcd {
			return []string{cfg.EtcdClientURL}
		}
		return nil
	}
	return strings.Split(cfg.EtcdEndpoints, ",")
}

func (cfg *Config) getLogger() *zap.Logger {
	if cfg.logger != nil {
		return cfg.logger
	}
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l
}

func WithWorkers(n int) func(*Config) {
	return func(cfg *Config) {
		cfg.Workers = n
	}
}

func WithRunName(name string) func(*Config) {
	return func(cfg *Config) {
		cfg.RunName = name
	}
}

func WithRank(rank int) func(*Config) {
	return func(cfg *Config) {
		cfg.Rank = rank
	}
}

func WithWorkerID(id string) func(*Config) {
	return func(cfg *Config) {
		cfg.WorkerID = id
	}
}

func WithListenAddress(addr string) func(*Config) {
	return func(cfg *Config) {
		cfg.ListenAddress = addr
	}
}

// WithAdvertiseURL sets the URL published for workers. It defaults to the
// bound listen address.
func WithAdvertiseURL(url string) func(*Config) {
	return func(cfg *Config) {
		cfg.AdvertiseURL = url
	}
}

// WithCoordinatorURL makes a worker skip discovery.
func WithCoordinatorURL(url string) func(*Config) {
	return func(cfg *Config) {
		cfg.CoordinatorURL = url
	}
}

func WithEtcdEndpoints(urls string) func(*Config) {
	return func(cfg *Config) {
		cfg.EtcdEndpoints = urls
	}
}

func WithEmbeddedEtcd(name, dir, clientURL, peerURL string) func(*Config) {
	return func(cfg *Config) {
		cfg.EmbeddedEtcd = true
		if name != "" {
			cfg.EtcdName = name
		}
		cfg.EtcdDir = dir
		if clientURL != "" {
			cfg.EtcdClientURL = clientURL
		}
		if peerURL != "" {
			cfg.EtcdPeerURL = peerURL
		}
	}
}

func WithEtcdStartTimeoutSeconds(timeout int) func(*Config) {
	return func(cfg *Config) {
		cfg.EtcdStartTimeoutSeconds = timeout
	}
}

func WithRegistrationTtlSeconds(ttl int) func(*Config) {
	return func(cfg *Config) {
		cfg.RegistrationTtlSeconds = ttl
	}
}

func WithKinesisStream(stream string) func(*Config) {
	return func(cfg *Config) {
		cfg.KinesisStream = stream
	}
}

func WithKinesisClient(kds aws.Kinesis) func(*Config) {
	return func(cfg *Config) {
		cfg.KinesisClient = kds
	}
}

// WithOutput writes the finished image to path. The extension selects the
// format.
func WithOutput(path string) func(*Config) {
	return func(cfg *Config) {
		cfg.Output = path
	}
}

func WithThumbnail(path string, maxDim uint) func(*Config) {
	return func(cfg *Config) {
		cfg.ThumbnailPath = path
		if maxDim > 0 {
			cfg.ThumbnailSize = maxDim
		}
	}
}

func WithObserver(o coordinator.Observer) func(*Config) {
	return func(cfg *Config) {
		cfg.observers = append(cfg.observers, o)
	}
}

func WithLogger(logger *zap.Logger) func(*Config) {
	return func(cfg *Config) {
		cfg.logger = logger
	}
}
