package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds verifier configuration loaded from environment variables.
type Config struct {
	Kubeconfig string `envconfig:"KUBECONFIG" required:"true"`
	// ClusterName identifies the cluster in telemetry and results; the API
	// server host is used when empty.
	ClusterName string `envconfig:"CLUSTER_NAME"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Port        int    `envconfig:"PORT" default:"8080"`

	AgentNamespace    string        `envconfig:"AGENT_NAMESPACE" default:"kube-system"`
	AgentName         string        `envconfig:"AGENT_NAME" default:"network-test"`
	AgentImage        string        `envconfig:"AGENT_IMAGE" default:"nicolaka/netshoot:v0.13"`
	AgentStaleAfter   time.Duration `envconfig:"AGENT_STALE_AFTER" default:"10m"`
	ReadyPollInterval time.Duration `envconfig:"READY_POLL_INTERVAL" default:"2s"`
	ReadyMaxAttempts  int           `envconfig:"READY_MAX_ATTEMPTS" default:"20"`

	ExecTimeout      time.Duration `envconfig:"EXEC_TIMEOUT" default:"60s"`
	RunTimeout       time.Duration `envconfig:"RUN_TIMEOUT" default:"15m"`
	ProbeConcurrency int           `envconfig:"PROBE_CONCURRENCY" default:"8"`
	PingmanyPath     string        `envconfig:"PINGMANY_PATH" default:"./pingmany"`

	ControlPlanePrefix   string `envconfig:"CONTROL_PLANE_PREFIX" default:"shoot--"`
	APIServerPrefix      string `envconfig:"APISERVER_PREFIX" default:"kube-apiserver"`
	EtcdPodPrefix        string `envconfig:"ETCD_POD_PREFIX" default:"etcd-main-0"`
	EtcdPort             int    `envconfig:"ETCD_PORT" default:"2379"`
	APIServerImageMarker string `envconfig:"APISERVER_IMAGE_MARKER" default:"kube-apiserver"`
}

const maxProbeConcurrency = 32

// Load reads configuration from environment variables into a Config struct.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ProbeConcurrency < 1 {
		c.ProbeConcurrency = 1
	} else if c.ProbeConcurrency > maxProbeConcurrency {
		c.ProbeConcurrency = maxProbeConcurrency
	}
	if c.ReadyMaxAttempts < 1 {
		return fmt.Errorf("READY_MAX_ATTEMPTS must be at least 1, got %d", c.ReadyMaxAttempts)
	}
	if c.ReadyPollInterval <= 0 {
		return fmt.Errorf("READY_POLL_INTERVAL must be positive, got %s", c.ReadyPollInterval)
	}
	if c.ExecTimeout <= 0 || c.RunTimeout <= 0 {
		return fmt.Errorf("EXEC_TIMEOUT and RUN_TIMEOUT must be positive")
	}
	if c.EtcdPort < 1 || c.EtcdPort > 65535 {
		return fmt.Errorf("ETCD_PORT out of range: %d", c.EtcdPort)
	}
	return nil
}

// ParseLevel maps a level name onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging initializes the global slog logger with JSON output on stderr.
// Stdout is reserved for the run report. Extra handlers (for example the OTLP
// log bridge) receive every record as well.
func SetupLogging(level string, extra ...slog.Handler) {
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)})
	if len(extra) > 0 {
		handler = fanout(append([]slog.Handler{handler}, extra...))
	}
	slog.SetDefault(slog.New(handler))
}
