// Package config provides configuration for the fleet hub and worker.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the hub and worker configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Terminal   TerminalConfig
	Monitor    MonitorConfig
	Checkpoint CheckpointConfig
	Relay      RelayConfig
	Heartbeat  HeartbeatConfig
	Worker     WorkerConfig
	Log        LogConfig
}

// ServerConfig holds the HTTP and websocket settings of the hub.
type ServerConfig struct {
	Port           int
	APIKey         string        `mapstructure:"api_key"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// TerminalConfig bounds the output kept per session.
type TerminalConfig struct {
	MaxChunks    int           `mapstructure:"max_chunks"`
	MaxBytes     int           `mapstructure:"max_bytes"`
	RetainExited int           `mapstructure:"retain_exited"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// MonitorConfig holds the alert heuristics. Thresholds are hot-reloadable.
type MonitorConfig struct {
	Interval           time.Duration
	StuckThreshold     time.Duration `mapstructure:"stuck_threshold"`
	WaitingInterval    time.Duration `mapstructure:"waiting_interval"`
	OfflineTimeout     time.Duration `mapstructure:"offline_timeout"`
	StaleMachineDays   int           `mapstructure:"stale_machine_days"`
	StaleSweepInterval time.Duration `mapstructure:"stale_sweep_interval"`
	CPUThreshold       float64       `mapstructure:"cpu_threshold"`
	MemoryThreshold    float64       `mapstructure:"memory_threshold"`
	GPUThreshold       float64       `mapstructure:"gpu_threshold"`
	ContextRatio       float64       `mapstructure:"context_ratio"`
}

// CheckpointConfig holds checkpoint retention.
type CheckpointConfig struct {
	MaxAge          time.Duration `mapstructure:"max_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// RelayConfig holds the push channels of the relay.
type RelayConfig struct {
	NATSURL     string        `mapstructure:"nats_url"`
	PushTimeout time.Duration `mapstructure:"push_timeout"`
}

// HeartbeatConfig holds the heartbeat cadence.
type HeartbeatConfig struct {
	Interval time.Duration
}

// WorkerConfig holds the settings of a remote worker.
type WorkerConfig struct {
	HubURL       string `mapstructure:"hub_url"`
	MachineID    string `mapstructure:"machine_id"`
	Name         string
	Address      string
	Listen       string
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StateDir     string        `mapstructure:"state_dir"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string
}

// Loader owns the viper instance so the config file can be watched.
type Loader struct {
	v *viper.Viper

	mu  sync.Mutex
	cfg *Config
}

// Load reads configuration from file and env. Env var overrides use prefix FLEET_.
func Load() (*Config, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Config(), nil
}

// NewLoader reads the configuration once and keeps viper around for reloads.
func NewLoader() (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("fleet")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	return l, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.max_message_size", 65536)

	v.SetDefault("database.path", "fleet.db")

	v.SetDefault("terminal.max_chunks", 1000)
	v.SetDefault("terminal.max_bytes", 256*1024)
	v.SetDefault("terminal.retain_exited", 64)
	v.SetDefault("terminal.drain_timeout", 2*time.Second)

	v.SetDefault("monitor.interval", 30*time.Second)
	v.SetDefault("monitor.stuck_threshold", 10*time.Minute)
	v.SetDefault("monitor.waiting_interval", 5*time.Minute)
	v.SetDefault("monitor.offline_timeout", 2*time.Minute)
	v.SetDefault("monitor.stale_machine_days", 7)
	v.SetDefault("monitor.stale_sweep_interval", time.Hour)
	v.SetDefault("monitor.cpu_threshold", 90.0)
	v.SetDefault("monitor.memory_threshold", 90.0)
	v.SetDefault("monitor.gpu_threshold", 95.0)
	v.SetDefault("monitor.context_ratio", 0.9)

	v.SetDefault("checkpoint.max_age", 7*24*time.Hour)
	v.SetDefault("checkpoint.cleanup_interval", time.Hour)

	v.SetDefault("relay.nats_url", "")
	v.SetDefault("relay.push_timeout", 5*time.Second)

	v.SetDefault("heartbeat.interval", 30*time.Second)

	v.SetDefault("worker.hub_url", "http://localhost:8080")
	v.SetDefault("worker.machine_id", "")
	v.SetDefault("worker.name", "")
	v.SetDefault("worker.address", "")
	v.SetDefault("worker.listen", "")
	v.SetDefault("worker.poll_interval", 10*time.Second)
	v.SetDefault("worker.state_dir", ".fleet")

	v.SetDefault("log.level", "info")
}

func (l *Loader) decode() (*Config, error) {
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Viper exposes the underlying instance so command flags can be bound to keys.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Refresh re-decodes the configuration after flags were bound.
func (l *Loader) Refresh() (*Config, error) {
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Watch calls fn with the new monitor settings whenever the config file
// changes. It is a no-op when no config file was read.
func (l *Loader) Watch(fn func(MonitorConfig)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Refresh()
		if err != nil {
			return
		}
		fn(cfg.Monitor)
	})
	l.v.WatchConfig()
}
