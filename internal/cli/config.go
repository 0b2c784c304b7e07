package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/webui-bridge/internal/channel"
	"github.com/ChuLiYu/webui-bridge/internal/server"
	"github.com/ChuLiYu/webui-bridge/internal/session"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// Config represents the complete bridge configuration.
// Maps config file fields through YAML tags; fields missing from the file
// keep the values from defaultConfig.
type Config struct {
	Backend struct {
		URL            string        `yaml:"url"`
		Transport      string        `yaml:"transport"` // http | grpc
		GRPCAddr       string        `yaml:"grpc_addr"`
		RPCPath        string        `yaml:"rpc_path"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"backend"`

	Channel struct {
		ReconnectFloor    time.Duration `yaml:"reconnect_floor"`
		ReconnectCeiling  time.Duration `yaml:"reconnect_ceiling"`
		ReconnectWaitCap  time.Duration `yaml:"reconnect_wait_cap"`
		MaxFailedAttempts int           `yaml:"max_failed_attempts"`
		QueueCapacity     int           `yaml:"queue_capacity"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
	} `yaml:"channel"`

	Heartbeat struct {
		Enabled             bool          `yaml:"enabled"`
		FetchFromBackend    bool          `yaml:"fetch_from_backend"`
		Interval            time.Duration `yaml:"interval"`
		HiddenInterval      time.Duration `yaml:"hidden_interval"`
		Timeout             time.Duration `yaml:"timeout"`
		FailuresBeforeClose int           `yaml:"failures_before_close"`
		InitialDelay        time.Duration `yaml:"initial_delay"`
	} `yaml:"heartbeat"`

	Worker struct {
		WorkerCount   int           `yaml:"worker_count"`
		ScriptTimeout time.Duration `yaml:"script_timeout"`
	} `yaml:"worker"`

	Server struct {
		HTTPAddr    string        `yaml:"http_addr"`
		GRPCAddr    string        `yaml:"grpc_addr"`
		JobTimeout  time.Duration `yaml:"job_timeout"`
		PushUpdates bool          `yaml:"push_updates"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// defaultConfig returns the compiled-in configuration.
func defaultConfig() *Config {
	var cfg Config
	sc := session.DefaultConfig()
	hb := types.DefaultHeartbeatConfig()
	srv := server.DefaultConfig()

	cfg.Backend.URL = "http://127.0.0.1:8765"
	cfg.Backend.Transport = "http"
	cfg.Backend.GRPCAddr = "127.0.0.1:8766"
	cfg.Backend.RPCPath = "/rpc"
	cfg.Backend.RequestTimeout = 10 * time.Second

	cfg.Channel.ReconnectFloor = sc.Channel.ReconnectFloor
	cfg.Channel.ReconnectCeiling = sc.Channel.ReconnectCeiling
	cfg.Channel.ReconnectWaitCap = sc.Channel.ReconnectWaitCap
	cfg.Channel.MaxFailedAttempts = sc.Channel.MaxFailedAttempts
	cfg.Channel.QueueCapacity = sc.Channel.QueueCapacity
	cfg.Channel.WriteTimeout = sc.WriteTimeout

	cfg.Heartbeat.Enabled = hb.Enabled
	cfg.Heartbeat.FetchFromBackend = sc.FetchLifecycleConfig
	cfg.Heartbeat.Interval = hb.IntervalVisible
	cfg.Heartbeat.HiddenInterval = hb.IntervalHidden
	cfg.Heartbeat.Timeout = hb.Timeout
	cfg.Heartbeat.FailuresBeforeClose = hb.MaxConsecutiveFailures
	cfg.Heartbeat.InitialDelay = hb.InitialDelay

	cfg.Worker.WorkerCount = sc.Workers
	cfg.Worker.ScriptTimeout = sc.ScriptTimeout

	cfg.Server.HTTPAddr = ":8765"
	cfg.Server.GRPCAddr = ""
	cfg.Server.JobTimeout = srv.JobTimeout
	cfg.Server.PushUpdates = srv.PushUpdates

	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 9090

	cfg.Log.Level = "info"
	return &cfg
}

// loadConfig reads path over the compiled-in defaults.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend.Transport {
	case "http", "grpc":
	default:
		return fmt.Errorf("backend.transport must be http or grpc, got %q", c.Backend.Transport)
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Backend.Transport == "grpc" && c.Backend.GRPCAddr == "" {
		return fmt.Errorf("backend.grpc_addr is required for the grpc transport")
	}
	if c.Worker.WorkerCount < 0 {
		return fmt.Errorf("worker.worker_count must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// sessionConfig maps the file config onto a session config. ClientID and
// SocketURL are filled in by the caller.
func (c *Config) sessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.Channel = channel.Config{
		ReconnectFloor:    c.Channel.ReconnectFloor,
		ReconnectCeiling:  c.Channel.ReconnectCeiling,
		ReconnectWaitCap:  c.Channel.ReconnectWaitCap,
		MaxFailedAttempts: c.Channel.MaxFailedAttempts,
		QueueCapacity:     c.Channel.QueueCapacity,
	}
	sc.WriteTimeout = c.Channel.WriteTimeout
	sc.Heartbeat = c.heartbeatConfig()
	sc.FetchLifecycleConfig = c.Heartbeat.FetchFromBackend
	if c.Worker.WorkerCount > 0 {
		sc.Workers = c.Worker.WorkerCount
	}
	if c.Worker.ScriptTimeout > 0 {
		sc.ScriptTimeout = c.Worker.ScriptTimeout
	}
	return sc
}

func (c *Config) heartbeatConfig() types.HeartbeatConfig {
	return types.HeartbeatConfig{
		Enabled:                c.Heartbeat.Enabled,
		IntervalVisible:        c.Heartbeat.Interval,
		IntervalHidden:         c.Heartbeat.HiddenInterval,
		Timeout:                c.Heartbeat.Timeout,
		MaxConsecutiveFailures: c.Heartbeat.FailuresBeforeClose,
		InitialDelay:           c.Heartbeat.InitialDelay,
	}.Normalize()
}

// serverConfig maps the file config onto the reference backend config. The
// heartbeat section doubles as the lifecycle config the backend serves.
func (c *Config) serverConfig() server.Config {
	sc := server.DefaultConfig()
	sc.Lifecycle = c.heartbeatConfig()
	sc.JobTimeout = c.Server.JobTimeout
	sc.PushUpdates = c.Server.PushUpdates
	return sc
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(level string) *slog.Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
