// Package config loads the YAML configuration of the nameserver and tablet
// processes. Files are decoded over Default values, so a file only needs
// the keys it changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Setup configures the global zerolog logger. An invalid level falls back to
// info.
func (l Log) Setup() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level := zerolog.InfoLevel
	if l.Level != "" {
		parsed, err := zerolog.ParseLevel(l.Level)
		if err != nil {
			log.Warn().Err(err).Msgf("Invalid log level %s, using default level info", l.Level)
		} else {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	if !l.JSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// Zookeeper locates the durable catalog. With no servers the nameserver
// keeps its catalog in memory.
type Zookeeper struct {
	Root           string   `yaml:"root"`
	Servers        []string `yaml:"servers"`
	SessionTimeout Duration `yaml:"session_timeout"`
}

type Health struct {
	Interval     Duration `yaml:"interval"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
	// Silence is how long an endpoint may go without heartbeats before
	// failed probes can mark it unhealthy. Zero means three intervals.
	Silence     Duration `yaml:"silence"`
	MaxFailures int      `yaml:"max_failures"`
}

type Ops struct {
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	RPCTimeout     Duration `yaml:"rpc_timeout"`
	CatchUpTimeout Duration `yaml:"catchup_timeout"`
	CatchUpPoll    Duration `yaml:"catchup_poll"`
	MaxOffsetLag   uint64   `yaml:"max_offset_lag"`
	Workers        int      `yaml:"workers"`
	QueueSize      int      `yaml:"queue_size"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

// Runtime holds the initial values of the runtime flags. Values persisted in
// the catalog take precedence once loaded.
type Runtime struct {
	AutoFailover     bool `yaml:"auto_failover"`
	AutoRecoverTable bool `yaml:"auto_recover_table"`
}

// Nameserver is the nameserver process configuration.
type Nameserver struct {
	Listen    string    `yaml:"listen"`
	Log       Log       `yaml:"log"`
	Zookeeper Zookeeper `yaml:"zookeeper"`
	Health    Health    `yaml:"health"`
	Ops       Ops       `yaml:"ops"`
	Runtime   Runtime   `yaml:"runtime"`
}

// Tablet is the tablet process configuration.
type Tablet struct {
	Listen string `yaml:"listen"`
	// Endpoint is the address the tablet registers under. It defaults to
	// Listen.
	Endpoint          string   `yaml:"endpoint"`
	Nameserver        string   `yaml:"nameserver"`
	DataDir           string   `yaml:"data_dir"`
	Log               Log      `yaml:"log"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// DefaultNameserver returns a baseline development config.
func DefaultNameserver() Nameserver {
	return Nameserver{
		Listen: "127.0.0.1:9620",
		Log:    Log{Level: "info", JSON: true},
		Zookeeper: Zookeeper{
			Root:           "/nameserver",
			SessionTimeout: Duration(10 * time.Second),
		},
		Health: Health{
			Interval:     Duration(2 * time.Second),
			ProbeTimeout: Duration(2 * time.Second),
			MaxFailures:  3,
		},
		Ops: Ops{
			Workers:        4,
			QueueSize:      1024,
			MaxAttempts:    5,
			InitialBackoff: Duration(100 * time.Millisecond),
			MaxBackoff:     Duration(2 * time.Second),
			RPCTimeout:     Duration(5 * time.Second),
			CatchUpTimeout: Duration(30 * time.Second),
			CatchUpPoll:    Duration(200 * time.Millisecond),
		},
	}
}

// DefaultTablet returns a baseline development config.
func DefaultTablet() Tablet {
	return Tablet{
		Listen:            "127.0.0.1:9520",
		Nameserver:        "127.0.0.1:9620",
		DataDir:           "./data",
		Log:               Log{Level: "info", JSON: true},
		HeartbeatInterval: Duration(time.Second),
	}
}

// LoadNameserver reads path over DefaultNameserver. A missing file yields
// the defaults.
func LoadNameserver(path string) (Nameserver, error) {
	cfg := DefaultNameserver()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadTablet reads path over DefaultTablet. A missing file yields the
// defaults.
func LoadTablet(path string) (Tablet, error) {
	cfg := DefaultTablet()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = cfg.Listen
	}
	return cfg, cfg.Validate()
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("config file not found, using default config")
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Nameserver) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if len(c.Zookeeper.Servers) > 0 && c.Zookeeper.Root == "" {
		errs = append(errs, errors.New("zookeeper.root is required with zookeeper.servers"))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if c.Health.MaxFailures < 1 {
		errs = append(errs, errors.New("health.max_failures must be at least 1"))
	}
	if c.Ops.Workers < 1 {
		errs = append(errs, errors.New("ops.workers must be at least 1"))
	}
	if c.Ops.QueueSize < 1 {
		errs = append(errs, errors.New("ops.queue_size must be at least 1"))
	}
	if c.Ops.MaxAttempts < 1 {
		errs = append(errs, errors.New("ops.max_attempts must be at least 1"))
	}
	if c.Ops.RPCTimeout <= 0 {
		errs = append(errs, errors.New("ops.rpc_timeout must be positive"))
	}
	if c.Ops.MaxBackoff < c.Ops.InitialBackoff {
		errs = append(errs, errors.New("ops.max_backoff must not be below ops.initial_backoff"))
	}
	return errors.Join(errs...)
}

func (c Tablet) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Nameserver == "" {
		errs = append(errs, errors.New("nameserver is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	return errors.Join(errs...)
}
