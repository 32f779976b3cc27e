// Package config implements Splice's layered configuration: flags take
// precedence over environment variables, which take precedence over an
// optional YAML file, which takes precedence over built-in defaults —
// generalizing the teacher's cmd/can-server/config.go (flags + env only).
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the supervisor process's full configuration surface.
type Config struct {
	WorkerCommand string   `yaml:"worker_command"`
	WorkerArgs    []string `yaml:"worker_args"`

	WorkerSocketPath string `yaml:"worker_socket_path"`
	HostSocketPath   string `yaml:"host_socket_path"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HealthInterval   time.Duration `yaml:"health_interval"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	KillGrace        time.Duration `yaml:"kill_grace"`
	MaxRestarts      int           `yaml:"max_restarts"`

	MaxConcurrentRequests    int `yaml:"max_concurrent_requests"`
	MaxConcurrentPerFunction int `yaml:"max_concurrent_per_function"`
	MaxDeadline              time.Duration `yaml:"max_deadline"`
	MaxHostConns             int           `yaml:"max_host_conns"` // 0 = unbounded

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	MetricsAddr string `yaml:"metrics_addr"`

	MDNSEnable bool   `yaml:"mdns_enable"`
	MDNSName   string `yaml:"mdns_name"`

	ReloadEnable bool          `yaml:"reload_enable"`
	ReloadPoll   time.Duration `yaml:"reload_poll"`
}

func defaults() Config {
	return Config{
		WorkerSocketPath:         "/tmp/splice-worker.sock",
		HostSocketPath:           "/tmp/splice-host.sock",
		HandshakeTimeout:         3 * time.Second,
		HealthInterval:           5 * time.Second,
		DrainTimeout:             10 * time.Second,
		KillGrace:                5 * time.Second,
		MaxRestarts:              10,
		MaxConcurrentRequests:    1024,
		MaxConcurrentPerFunction: 256,
		MaxDeadline:              5 * time.Minute,
		LogFormat:                "text",
		LogLevel:                 "info",
		ReloadPoll:               2 * time.Second,
	}
}

// Parse builds a Config from command-line args, environment variables and
// an optional --config YAML file, applied in that descending precedence.
// It returns the parsed config and whether --version was requested.
func Parse(args []string) (*Config, bool, error) {
	fs := flag.NewFlagSet("splice-supervisor", flag.ContinueOnError)
	d := defaults()

	workerCommand := fs.String("worker-command", d.WorkerCommand, "Path to the worker binary to spawn")
	workerArgs := fs.String("worker-args", "", "Space-separated worker arguments")
	workerSocket := fs.String("worker-socket", d.WorkerSocketPath, "Unix socket the worker dials back on")
	hostSocket := fs.String("host-socket", d.HostSocketPath, "Unix socket hosts dial in on")
	handshakeTO := fs.Duration("handshake-timeout", d.HandshakeTimeout, "Handshake timeout")
	healthInterval := fs.Duration("health-interval", d.HealthInterval, "Worker health-check interval")
	drainTimeout := fs.Duration("drain-timeout", d.DrainTimeout, "Max time to wait for in-flight requests during drain")
	killGrace := fs.Duration("kill-grace", d.KillGrace, "Grace period between SIGTERM and SIGKILL")
	maxRestarts := fs.Int("max-restarts", d.MaxRestarts, "Restarts allowed before the circuit breaker trips")
	maxConcurrent := fs.Int("max-concurrent-requests", d.MaxConcurrentRequests, "Global concurrent-invocation cap")
	maxConcurrentFn := fs.Int("max-concurrent-per-function", d.MaxConcurrentPerFunction, "Per-function concurrent-invocation cap")
	maxDeadline := fs.Duration("max-deadline-ms", d.MaxDeadline, "Ceiling applied to a caller's deadline_ms (SPEC_FULL.md §9)")
	maxHostConns := fs.Int("max-host-conns", d.MaxHostConns, "Max concurrent host connections; 0 = unbounded")
	logFormat := fs.String("log-format", d.LogFormat, "Log format: text|json")
	logLevel := fs.String("log-level", d.LogLevel, "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", d.MetricsAddr, "Metrics HTTP listen address; empty disables")
	mdnsEnable := fs.Bool("mdns-enable", d.MDNSEnable, "Enable mDNS advertisement of the host socket")
	mdnsName := fs.String("mdns-name", d.MDNSName, "mDNS instance name (default splice-supervisor-<hostname>)")
	reloadEnable := fs.Bool("reload-enable", d.ReloadEnable, "Watch the worker binary and reload on change")
	reloadPoll := fs.Duration("reload-poll", d.ReloadPoll, "Fallback poll interval for reload watching")
	configFile := fs.String("config", "", "Optional YAML config file (lowest precedence layer)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	cfg := d
	cfg.WorkerCommand = *workerCommand
	if *workerArgs != "" {
		cfg.WorkerArgs = strings.Fields(*workerArgs)
	}
	cfg.WorkerSocketPath = *workerSocket
	cfg.HostSocketPath = *hostSocket
	cfg.HandshakeTimeout = *handshakeTO
	cfg.HealthInterval = *healthInterval
	cfg.DrainTimeout = *drainTimeout
	cfg.KillGrace = *killGrace
	cfg.MaxRestarts = *maxRestarts
	cfg.MaxConcurrentRequests = *maxConcurrent
	cfg.MaxConcurrentPerFunction = *maxConcurrentFn
	cfg.MaxDeadline = *maxDeadline
	cfg.MaxHostConns = *maxHostConns
	cfg.LogFormat = *logFormat
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr
	cfg.MDNSEnable = *mdnsEnable
	cfg.MDNSName = *mdnsName
	cfg.ReloadEnable = *reloadEnable
	cfg.ReloadPoll = *reloadPoll

	if *configFile != "" {
		if err := applyYAMLFile(&cfg, *configFile, set); err != nil {
			return nil, *showVersion, err
		}
	}
	if err := applyEnvOverrides(&cfg, set); err != nil {
		return nil, *showVersion, err
	}
	if *showVersion {
		return &cfg, true, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return &cfg, false, nil
}

// applyYAMLFile overlays file fields onto cfg wherever the corresponding
// flag was not explicitly set, i.e. YAML sits below flags but above
// defaults in precedence.
func applyYAMLFile(cfg *Config, path string, set map[string]struct{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if _, ok := set["worker-command"]; !ok && fromFile.WorkerCommand != "" {
		cfg.WorkerCommand = fromFile.WorkerCommand
	}
	if _, ok := set["worker-args"]; !ok && len(fromFile.WorkerArgs) > 0 {
		cfg.WorkerArgs = fromFile.WorkerArgs
	}
	if _, ok := set["worker-socket"]; !ok && fromFile.WorkerSocketPath != "" {
		cfg.WorkerSocketPath = fromFile.WorkerSocketPath
	}
	if _, ok := set["host-socket"]; !ok && fromFile.HostSocketPath != "" {
		cfg.HostSocketPath = fromFile.HostSocketPath
	}
	if _, ok := set["handshake-timeout"]; !ok && fromFile.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = fromFile.HandshakeTimeout
	}
	if _, ok := set["health-interval"]; !ok && fromFile.HealthInterval > 0 {
		cfg.HealthInterval = fromFile.HealthInterval
	}
	if _, ok := set["drain-timeout"]; !ok && fromFile.DrainTimeout > 0 {
		cfg.DrainTimeout = fromFile.DrainTimeout
	}
	if _, ok := set["kill-grace"]; !ok && fromFile.KillGrace > 0 {
		cfg.KillGrace = fromFile.KillGrace
	}
	if _, ok := set["max-restarts"]; !ok && fromFile.MaxRestarts > 0 {
		cfg.MaxRestarts = fromFile.MaxRestarts
	}
	if _, ok := set["max-concurrent-requests"]; !ok && fromFile.MaxConcurrentRequests > 0 {
		cfg.MaxConcurrentRequests = fromFile.MaxConcurrentRequests
	}
	if _, ok := set["max-concurrent-per-function"]; !ok && fromFile.MaxConcurrentPerFunction > 0 {
		cfg.MaxConcurrentPerFunction = fromFile.MaxConcurrentPerFunction
	}
	if _, ok := set["max-deadline-ms"]; !ok && fromFile.MaxDeadline > 0 {
		cfg.MaxDeadline = fromFile.MaxDeadline
	}
	if _, ok := set["max-host-conns"]; !ok && fromFile.MaxHostConns > 0 {
		cfg.MaxHostConns = fromFile.MaxHostConns
	}
	if _, ok := set["log-format"]; !ok && fromFile.LogFormat != "" {
		cfg.LogFormat = fromFile.LogFormat
	}
	if _, ok := set["log-level"]; !ok && fromFile.LogLevel != "" {
		cfg.LogLevel = fromFile.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && fromFile.MetricsAddr != "" {
		cfg.MetricsAddr = fromFile.MetricsAddr
	}
	if _, ok := set["mdns-enable"]; !ok {
		cfg.MDNSEnable = cfg.MDNSEnable || fromFile.MDNSEnable
	}
	if _, ok := set["mdns-name"]; !ok && fromFile.MDNSName != "" {
		cfg.MDNSName = fromFile.MDNSName
	}
	if _, ok := set["reload-enable"]; !ok {
		cfg.ReloadEnable = cfg.ReloadEnable || fromFile.ReloadEnable
	}
	if _, ok := set["reload-poll"]; !ok && fromFile.ReloadPoll > 0 {
		cfg.ReloadPoll = fromFile.ReloadPoll
	}
	return nil
}

// applyEnvOverrides maps SPLICE_* environment variables onto cfg, mirroring
// the teacher's CAN_SERVER_* convention. A flag explicitly set on the
// command line always wins over its environment counterpart.
func applyEnvOverrides(cfg *Config, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if _, ok := set["worker-command"]; !ok {
		if v, ok := get("SPLICE_WORKER_COMMAND"); ok && v != "" {
			cfg.WorkerCommand = v
		}
	}
	if _, ok := set["worker-args"]; !ok {
		if v, ok := get("SPLICE_WORKER_ARGS"); ok && v != "" {
			cfg.WorkerArgs = strings.Fields(v)
		}
	}
	if _, ok := set["worker-socket"]; !ok {
		if v, ok := get("SPLICE_WORKER_SOCKET_PATH"); ok && v != "" {
			cfg.WorkerSocketPath = v
		}
	}
	if _, ok := set["host-socket"]; !ok {
		if v, ok := get("SPLICE_HOST_SOCKET_PATH"); ok && v != "" {
			cfg.HostSocketPath = v
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("SPLICE_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				cfg.HandshakeTimeout = d
			} else if err != nil {
				setErr(fmt.Errorf("invalid SPLICE_HANDSHAKE_TIMEOUT: %w", err))
			}
		}
	}
	if _, ok := set["max-restarts"]; !ok {
		if v, ok := get("SPLICE_MAX_RESTARTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.MaxRestarts = n
			} else if err != nil {
				setErr(fmt.Errorf("invalid SPLICE_MAX_RESTARTS: %w", err))
			}
		}
	}
	if _, ok := set["max-concurrent-requests"]; !ok {
		if v, ok := get("SPLICE_MAX_CONCURRENT_REQUESTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.MaxConcurrentRequests = n
			} else if err != nil {
				setErr(fmt.Errorf("invalid SPLICE_MAX_CONCURRENT_REQUESTS: %w", err))
			}
		}
	}
	if _, ok := set["max-deadline-ms"]; !ok {
		if v, ok := get("SPLICE_MAX_DEADLINE_MS"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				cfg.MaxDeadline = d
			} else if err != nil {
				setErr(fmt.Errorf("invalid SPLICE_MAX_DEADLINE_MS: %w", err))
			}
		}
	}
	if _, ok := set["max-host-conns"]; !ok {
		if v, ok := get("SPLICE_MAX_HOST_CONNS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				cfg.MaxHostConns = n
			} else if err != nil {
				setErr(fmt.Errorf("invalid SPLICE_MAX_HOST_CONNS: %w", err))
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("SPLICE_LOG_FORMAT"); ok && v != "" {
			cfg.LogFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("SPLICE_LOG_LEVEL"); ok && v != "" {
			cfg.LogLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("SPLICE_METRICS_ADDR"); ok {
			cfg.MetricsAddr = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("SPLICE_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				cfg.MDNSEnable = true
			case "0", "false", "no", "off":
				cfg.MDNSEnable = false
			}
		}
	}
	return firstErr
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.WorkerCommand == "" {
		return errors.New("worker-command is required")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	if c.WorkerSocketPath == "" || c.HostSocketPath == "" {
		return errors.New("worker-socket and host-socket must be set")
	}
	if c.WorkerSocketPath == c.HostSocketPath {
		return errors.New("worker-socket and host-socket must differ")
	}
	if c.MaxRestarts <= 0 {
		return errors.New("max-restarts must be > 0")
	}
	if c.MaxConcurrentRequests <= 0 || c.MaxConcurrentPerFunction <= 0 {
		return errors.New("concurrency caps must be > 0")
	}
	if c.HandshakeTimeout <= 0 || c.HealthInterval <= 0 || c.DrainTimeout <= 0 || c.KillGrace <= 0 {
		return errors.New("timeouts must be > 0")
	}
	if c.MaxDeadline <= 0 {
		return errors.New("max-deadline-ms must be > 0")
	}
	if c.MaxHostConns < 0 {
		return errors.New("max-host-conns must be >= 0")
	}
	return nil
}
