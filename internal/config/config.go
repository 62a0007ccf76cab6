// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/notnil/candiag/linkup"
)

// Config holds all configuration settings of candiag.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Bus     BusConfig     `toml:"bus"`
	Link    LinkConfig    `toml:"link"`
	Logging LoggingConfig `toml:"logging"`

	// Args holds the positional arguments left after flag parsing.
	Args []string `toml:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BusConfig holds bus manager and stream settings.
type BusConfig struct {
	Channel         string   `toml:"channel"` // auto-connect at startup when set
	Bitrate         int      `toml:"bitrate"`
	QueueSize       int      `toml:"queue_size"`
	PollInterval    Duration `toml:"poll_interval"`
	RecvTimeout     Duration `toml:"recv_timeout"`
	JoinTimeout     Duration `toml:"join_timeout"`
	BatchTimeout    Duration `toml:"batch_timeout"` // stream get_rx_batch timeout
	BatchMax        int      `toml:"batch_max"`     // stream get_rx_batch size
	SelfTestTimeout Duration `toml:"selftest_timeout"`
	FrameLog        string   `toml:"frame_log"` // "", "read", "write", "all"
}

// LinkConfig holds link bring-up settings.
type LinkConfig struct {
	Elevator  string `toml:"elevator"` // "auto", "pkexec", "sudo", "none"
	RestartMs int    `toml:"restart_ms"`
	AutoVCAN  bool   `toml:"auto_vcan"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
	Format string `toml:"format"` // "text", "json"
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Bus: BusConfig{
			QueueSize:       10000,
			PollInterval:    Duration(10 * time.Millisecond),
			RecvTimeout:     Duration(20 * time.Millisecond),
			JoinTimeout:     Duration(time.Second),
			BatchTimeout:    Duration(20 * time.Millisecond),
			BatchMax:        200,
			SelfTestTimeout: Duration(300 * time.Millisecond),
		},
		Link: LinkConfig{
			Elevator: linkup.ElevateAuto,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath is the TOML file read when -config is not given.
const DefaultPath = "config/candiag.toml"

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet("candiag", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML config file (default "+DefaultPath+")")

	// Server flags
	host := fs.String("host", "", "HTTP listen address")
	port := fs.Int("port", 0, "HTTP listen port")

	// Bus flags
	channel := fs.String("channel", "", "Channel to connect at startup (e.g. can0, vcan0, intrepid0, kvaser0, loop0)")
	bitrate := fs.Int("bitrate", 0, "Bitrate for channels that need one")
	queueSize := fs.Int("queue-size", 0, "Receive queue capacity")
	frameLog := fs.String("frame-log", "", "Per-frame debug logging: read, write, all")

	// Link flags
	elevator := fs.String("elevator", "", "Privilege helper: auto, pkexec, sudo, none")
	autoVCAN := fs.Bool("auto-vcan", false, "Create vcan0 when no CAN link exists")

	// Logging flags
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: text, json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := *configPath
	if path == "" {
		path = DefaultPath
	}
	if err := cfg.loadTOML(path); err != nil {
		if *configPath != "" || !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Apply environment variables
	cfg.applyEnv()

	// Apply CLI flags (highest priority)
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *channel != "" {
		cfg.Bus.Channel = *channel
	}
	if *bitrate != 0 {
		cfg.Bus.Bitrate = *bitrate
	}
	if *queueSize != 0 {
		cfg.Bus.QueueSize = *queueSize
	}
	if *frameLog != "" {
		cfg.Bus.FrameLog = *frameLog
	}
	if *elevator != "" {
		cfg.Link.Elevator = *elevator
	}
	if flagSet(fs, "auto-vcan") {
		cfg.Link.AutoVCAN = *autoVCAN
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	cfg.Args = fs.Args()
	return cfg, cfg.Validate()
}

func flagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies CANDIAG_* environment variable overrides. Malformed
// numbers and durations are ignored.
func (c *Config) applyEnv() {
	if v := os.Getenv("CANDIAG_HOST"); v != "" {
		c.Server.Host = v
	}
	envInt("CANDIAG_PORT", &c.Server.Port)
	if v := os.Getenv("CANDIAG_CHANNEL"); v != "" {
		c.Bus.Channel = v
	}
	envInt("CANDIAG_BITRATE", &c.Bus.Bitrate)
	envInt("CANDIAG_QUEUE_SIZE", &c.Bus.QueueSize)
	envDuration("CANDIAG_POLL_INTERVAL", &c.Bus.PollInterval)
	envDuration("CANDIAG_RECV_TIMEOUT", &c.Bus.RecvTimeout)
	envDuration("CANDIAG_SELFTEST_TIMEOUT", &c.Bus.SelfTestTimeout)
	if v := os.Getenv("CANDIAG_FRAME_LOG"); v != "" {
		c.Bus.FrameLog = v
	}
	if v := os.Getenv("CANDIAG_ELEVATOR"); v != "" {
		c.Link.Elevator = v
	}
	if v := os.Getenv("CANDIAG_AUTO_VCAN"); v != "" {
		c.Link.AutoVCAN = v == "true" || v == "1"
	}
	if v := os.Getenv("CANDIAG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CANDIAG_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Bus.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("bus.bitrate %d is negative", c.Bus.Bitrate))
	}
	if c.Bus.QueueSize <= 0 {
		errs = append(errs, errors.New("bus.queue_size must be positive"))
	}
	if c.Bus.BatchMax <= 0 {
		errs = append(errs, errors.New("bus.batch_max must be positive"))
	}
	for name, d := range map[string]Duration{
		"bus.poll_interval":    c.Bus.PollInterval,
		"bus.recv_timeout":     c.Bus.RecvTimeout,
		"bus.join_timeout":     c.Bus.JoinTimeout,
		"bus.batch_timeout":    c.Bus.BatchTimeout,
		"bus.selftest_timeout": c.Bus.SelfTestTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if !slices.Contains([]string{"", "none", "read", "write", "all"}, strings.ToLower(c.Bus.FrameLog)) {
		errs = append(errs, fmt.Errorf("bus.frame_log %q: use read, write or all", c.Bus.FrameLog))
	}
	if !slices.Contains([]string{linkup.ElevateAuto, linkup.ElevatePkexec, linkup.ElevateSudo, linkup.ElevateNone}, c.Link.Elevator) {
		errs = append(errs, fmt.Errorf("link.elevator %q: use auto, pkexec, sudo or none", c.Link.Elevator))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q: use text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}
