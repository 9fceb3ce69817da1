// Package config loads the service configuration from YAML with sane
// defaults, so the demo runs with no config file at all.
package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xxtea01/shareserve/api/cluster"
)

// HTTP is the coordinator's HTTP endpoint.
type HTTP struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the host:port to bind.
func (h HTTP) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// Party is one configured party server.
type Party struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Cluster configures the party set.
type Cluster struct {
	Mode         string        `mapstructure:"mode"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	RoundTimeout time.Duration `mapstructure:"round_timeout"`
	AckTimeout   time.Duration `mapstructure:"ack_timeout"`
	HeartbeatTTL time.Duration `mapstructure:"heartbeat_ttl"`
	Parties      []Party       `mapstructure:"parties"`
}

// Model configures the served model.
type Model struct {
	Name     string `mapstructure:"name"`
	FracBits int    `mapstructure:"frac_bits"`
	Weights  string `mapstructure:"weights"`
}

// Serving configures the request queue.
type Serving struct {
	MaxConcurrent int64  `mapstructure:"max_concurrent"`
	RateLimit     string `mapstructure:"rate_limit"`
}

// Data configures local persistence.
type Data struct {
	Dir string `mapstructure:"dir"`
}

// Docs configures the markdown pages served under /docs.
type Docs struct {
	Dir string `mapstructure:"dir"`
}

// Log configures the service log.
type Log struct {
	File  string `mapstructure:"file"`
	Quiet bool   `mapstructure:"quiet"`
}

// Config is the full service configuration.
type Config struct {
	HTTP    HTTP    `mapstructure:"http"`
	Cluster Cluster `mapstructure:"cluster"`
	Model   Model   `mapstructure:"model"`
	Serving Serving `mapstructure:"serving"`
	Data    Data    `mapstructure:"data"`
	Docs    Docs    `mapstructure:"docs"`
	Log     Log     `mapstructure:"log"`
}

// Load reads the configuration. With an empty path it looks for
// shareserve.yaml in the working directory and falls back to defaults if none
// exists; an explicit path must exist. SHARESERVE_* environment variables
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("shareserve")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	} else {
		v.SetConfigName("shareserve")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if len(cfg.Cluster.Parties) == 0 {
		cfg.Cluster.Parties = defaultParties()
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 8080)
	v.SetDefault("cluster.mode", string(cluster.SelfManaged))
	v.SetDefault("cluster.start_timeout", "15s")
	v.SetDefault("cluster.round_timeout", "5s")
	v.SetDefault("cluster.ack_timeout", "5s")
	v.SetDefault("cluster.heartbeat_ttl", "15s")
	v.SetDefault("model.name", "demo")
	v.SetDefault("model.frac_bits", 16)
	v.SetDefault("serving.max_concurrent", 1)
	v.SetDefault("serving.rate_limit", "60-M")
	v.SetDefault("data.dir", "")
	v.SetDefault("docs.dir", "docs")
	v.SetDefault("log.file", "")
	v.SetDefault("log.quiet", false)
}

func defaultParties() []Party {
	return []Party{
		{Name: "party-0", Host: "127.0.0.1", Port: 9001},
		{Name: "party-1", Host: "127.0.0.1", Port: 9002},
		{Name: "party-2", Host: "127.0.0.1", Port: 9003},
	}
}

// RegistryPath returns the sqlite path under the data directory, or the
// in-memory registry when no directory is configured.
func (c *Config) RegistryPath() string {
	if c.Data.Dir == "" {
		return ":memory:"
	}
	return filepath.Join(c.Data.Dir, "registry.db")
}

// ClusterConfig maps the configuration onto a cluster assembly.
func (c *Config) ClusterConfig(logger *log.Logger) (cluster.Config, error) {
	var mode cluster.ManagementMode
	switch c.Cluster.Mode {
	case string(cluster.External):
		mode = cluster.External
	case string(cluster.SelfManaged):
		mode = cluster.SelfManaged
	default:
		return cluster.Config{}, fmt.Errorf("config: unknown cluster mode %q", c.Cluster.Mode)
	}

	cfg := cluster.Config{
		StartTimeout: c.Cluster.StartTimeout,
		RoundTimeout: c.Cluster.RoundTimeout,
		AckTimeout:   c.Cluster.AckTimeout,
		HeartbeatTTL: c.Cluster.HeartbeatTTL,
		Logger:       logger,
	}
	for _, p := range c.Cluster.Parties {
		cfg.Parties = append(cfg.Parties, cluster.PartyConfig{
			Name: p.Name,
			Host: p.Host,
			Port: p.Port,
			Mode: mode,
		})
	}
	return cfg, nil
}
