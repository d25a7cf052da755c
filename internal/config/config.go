// Package config loads the gateway configuration. Values come from a YAML
// file and may be overridden by environment variables; a missing file is
// created with the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AnishMulay/sandgate/internal/layout_service"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

const (
	CommunicatorGRPC = "grpc"
	CommunicatorHTTP = "http"

	ClusterModeEtcd   = "etcd"
	ClusterModeStatic = "static"

	LogSinkFile    = "file"
	LogSinkConsole = "console"
)

type BackendConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type SeedObject struct {
	Path string `yaml:"path"`
	Type string `yaml:"type"`
	Size int64  `yaml:"size"`
}

type Config struct {
	Node struct {
		ID             string `yaml:"id" env:"SANDGATE_NODE_ID" env-default:"gateway-1" env-description:"Gateway id, also reported as the name of device 0."`
		ListenAddress  string `yaml:"listen_address" env:"SANDGATE_LISTEN_ADDRESS" env-default:"localhost:9000" env-description:"Address the gateway serves protocol and backend messages on."`
		AdvertiseAddr  string `yaml:"advertise_address" env:"SANDGATE_ADVERTISE_ADDRESS" env-default:"" env-description:"Address backends send session notifications to. Defaults to the listen address."`
		MetricsAddress string `yaml:"metrics_address" env:"SANDGATE_METRICS_ADDRESS" env-default:"localhost:9090" env-description:"Prometheus endpoint. Empty disables it."`
	} `yaml:"node"`

	Communicator struct {
		Type string `yaml:"type" env:"SANDGATE_COMMUNICATOR" env-default:"grpc" env-description:"Transport, grpc or http."`
	} `yaml:"communicator"`

	Cluster struct {
		Mode      string          `yaml:"mode" env:"SANDGATE_CLUSTER_MODE" env-default:"static" env-description:"Backend discovery, etcd or static."`
		Endpoints []string        `yaml:"endpoints" env:"SANDGATE_ETCD_ENDPOINTS" env-separator:"," env-default:"localhost:2379" env-description:"etcd endpoints."`
		Backends  []BackendConfig `yaml:"backends"`
	} `yaml:"cluster"`

	Layout struct {
		LayoutGetTimeout    time.Duration `yaml:"layout_get_timeout" env:"SANDGATE_LAYOUT_GET_TIMEOUT" env-default:"3s" env-description:"Bound on a whole layout request, the selector call included."`
		ReturnTimeout       time.Duration `yaml:"return_timeout" env:"SANDGATE_RETURN_TIMEOUT" env-default:"1s" env-description:"Bound on a whole layout return, the selector call included."`
		ClientCallTimeout   time.Duration `yaml:"client_call_timeout" env:"SANDGATE_CLIENT_CALL_TIMEOUT" env-default:"30s" env-description:"The clients' RPC timeout."`
		SelectorCallTimeout time.Duration `yaml:"selector_call_timeout" env:"SANDGATE_SELECTOR_CALL_TIMEOUT" env-default:"2s" env-description:"Timeout of start and end session calls to backends."`
		PendingTransferTTL  time.Duration `yaml:"pending_transfer_ttl" env:"SANDGATE_PENDING_TRANSFER_TTL" env-default:"10m" env-description:"Age after which a transfer whose session never became ready is dropped."`
		JanitorInterval     time.Duration `yaml:"janitor_interval" env:"SANDGATE_JANITOR_INTERVAL" env-default:"1m" env-description:"How often stale transfers are looked for."`
	} `yaml:"layout"`

	Log struct {
		Sink        string `yaml:"sink" env:"SANDGATE_LOG_SINK" env-default:"console" env-description:"Log destination, file or console."`
		Level       string `yaml:"level" env:"SANDGATE_LOG_LEVEL" env-default:"INFO" env-description:"Minimum log level."`
		Dir         string `yaml:"dir" env:"SANDGATE_LOG_DIR" env-default:"./logs" env-description:"Directory of the file sink."`
		Development bool   `yaml:"development" env:"SANDGATE_LOG_DEVELOPMENT" env-default:"false" env-description:"Human readable console output."`
	} `yaml:"log"`

	Namespace struct {
		Seed []SeedObject `yaml:"seed"`
	} `yaml:"namespace"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.Node.ID = "gateway-1"
	cfg.Node.ListenAddress = "localhost:9000"
	cfg.Node.MetricsAddress = "localhost:9090"
	cfg.Communicator.Type = CommunicatorGRPC
	cfg.Cluster.Mode = ClusterModeStatic
	cfg.Cluster.Endpoints = []string{"localhost:2379"}
	cfg.Cluster.Backends = []BackendConfig{
		{ID: "pool-1", Address: "localhost:9101"},
		{ID: "pool-2", Address: "localhost:9102"},
	}
	cfg.Layout.LayoutGetTimeout = layout_service.DefaultLayoutGetTimeout
	cfg.Layout.ReturnTimeout = layout_service.DefaultReturnTimeout
	cfg.Layout.ClientCallTimeout = layout_service.DefaultClientCallTimeout
	cfg.Layout.SelectorCallTimeout = 2 * time.Second
	cfg.Layout.PendingTransferTTL = 10 * time.Minute
	cfg.Layout.JanitorInterval = time.Minute
	cfg.Log.Sink = LogSinkConsole
	cfg.Log.Level = "INFO"
	cfg.Log.Dir = "./logs"
	cfg.Namespace.Seed = []SeedObject{
		{Path: "/data", Type: "directory"},
		{Path: "/data/sample.bin", Type: "regular", Size: 1 << 20},
	}
	return cfg
}

// Load reads path, writing the defaults there first if it does not exist.
// Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	var cfg *Config

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if err := write(path, cfg); err != nil {
			return nil, err
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigRead, err)
		}
	} else {
		cfg = &Config{}
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfigRead, path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigWrite, err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigWrite, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigWrite, err)
	}
	return nil
}

// Usage describes every environment variable, for -help output.
func Usage() string {
	text, err := cleanenv.GetDescription(&Config{}, nil)
	if err != nil {
		return ""
	}
	return text
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("%w: node.id is empty", ErrInvalidConfig)
	}
	if c.Node.ListenAddress == "" {
		return fmt.Errorf("%w: node.listen_address is empty", ErrInvalidConfig)
	}

	switch c.Communicator.Type {
	case CommunicatorGRPC, CommunicatorHTTP:
	default:
		return fmt.Errorf("%w: communicator.type %q", ErrUnknownSetting, c.Communicator.Type)
	}

	switch c.Cluster.Mode {
	case ClusterModeEtcd:
		if len(c.Cluster.Endpoints) == 0 {
			return fmt.Errorf("%w: cluster.endpoints is empty", ErrInvalidConfig)
		}
	case ClusterModeStatic:
		for _, b := range c.Cluster.Backends {
			if b.ID == "" || b.Address == "" {
				return fmt.Errorf("%w: backend entry %+v needs id and address", ErrInvalidConfig, b)
			}
		}
	default:
		return fmt.Errorf("%w: cluster.mode %q", ErrUnknownSetting, c.Cluster.Mode)
	}

	switch c.Log.Sink {
	case LogSinkFile, LogSinkConsole:
	default:
		return fmt.Errorf("%w: log.sink %q", ErrUnknownSetting, c.Log.Sink)
	}

	if err := c.LayoutOptions().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Layout.PendingTransferTTL <= c.Layout.LayoutGetTimeout {
		return fmt.Errorf("%w: layout.pending_transfer_ttl must exceed layout.layout_get_timeout", ErrInvalidConfig)
	}
	if c.Layout.JanitorInterval <= 0 {
		return fmt.Errorf("%w: layout.janitor_interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// AdvertiseAddress is where backends reach this gateway.
func (c *Config) AdvertiseAddress() string {
	if c.Node.AdvertiseAddr != "" {
		return c.Node.AdvertiseAddr
	}
	return c.Node.ListenAddress
}

func (c *Config) LayoutOptions() layout_service.Options {
	return layout_service.Options{
		GatewayName:       c.Node.ID,
		LayoutGetTimeout:  c.Layout.LayoutGetTimeout,
		ReturnTimeout:     c.Layout.ReturnTimeout,
		ClientCallTimeout: c.Layout.ClientCallTimeout,
	}
}
