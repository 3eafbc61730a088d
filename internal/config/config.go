// Package config holds the runtime settings shared by the CLI and the
// pipeline. Values come from flags, MCPMON_* environment variables and an
// optional config file, all merged through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"

	"github.com/atikulmunna/mcpmon/internal/model"
)

// Viper keys.
const (
	KeyLogsRoot         = "logs-root"
	KeyPollInterval     = "poll-interval"
	KeyVerbosity        = "verbosity"
	KeyLogPattern       = "log-pattern"
	KeyFilter           = "filter"
	KeyOutput           = "output"
	KeyAddr             = "addr"
	KeyRescanInterval   = "rescan-interval"
	KeyTruncationNotice = "truncation-notice-interval"
	KeyMaxRetries       = "max-retries"
	KeyStopGrace        = "stop-grace"
)

// EnvPrefix is prepended to every environment override, e.g. MCPMON_LOGS_ROOT.
const EnvPrefix = "MCPMON"

// EnvKeyReplacer maps dashed keys onto environment variable names.
var EnvKeyReplacer = strings.NewReplacer("-", "_")

var (
	ErrInvalidPattern  = errors.New("invalid log pattern")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidOutput   = errors.New("invalid output format")
)

// Output formats.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputNone = "none"
)

// Config is the fully resolved configuration.
type Config struct {
	LogsRoot         string
	PollInterval     time.Duration
	Verbosity        string
	LogPattern       string
	Filter           string
	Output           string
	Addr             string // empty disables the HTTP server
	RescanInterval   time.Duration
	TruncationNotice time.Duration
	MaxRetries       int
	StopGrace        time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogsRoot:         DefaultLogsRoot(),
		PollInterval:     time.Second,
		Verbosity:        "info",
		LogPattern:       "Cursor MCP.log",
		Output:           OutputText,
		Addr:             "127.0.0.1:5050",
		RescanInterval:   5 * time.Second,
		TruncationNotice: 5 * time.Second,
		MaxRetries:       5,
		StopGrace:        2 * time.Second,
	}
}

// DefaultLogsRoot is where Cursor writes its logs on this platform.
func DefaultLogsRoot() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "Cursor", "logs")
}

// SetDefaults registers the defaults on v. Interval keys are milliseconds.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyLogsRoot, "")
	v.SetDefault(KeyPollInterval, d.PollInterval.Milliseconds())
	v.SetDefault(KeyVerbosity, d.Verbosity)
	v.SetDefault(KeyLogPattern, d.LogPattern)
	v.SetDefault(KeyFilter, "")
	v.SetDefault(KeyOutput, d.Output)
	v.SetDefault(KeyAddr, d.Addr)
	v.SetDefault(KeyRescanInterval, d.RescanInterval.Milliseconds())
	v.SetDefault(KeyTruncationNotice, d.TruncationNotice.Milliseconds())
	v.SetDefault(KeyMaxRetries, d.MaxRetries)
	v.SetDefault(KeyStopGrace, d.StopGrace.Milliseconds())
}

// Load reads every key from v and validates the result. An empty logs root
// falls back to DefaultLogsRoot.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		LogsRoot:         strings.TrimSpace(v.GetString(KeyLogsRoot)),
		PollInterval:     millis(v.GetInt64(KeyPollInterval)),
		Verbosity:        v.GetString(KeyVerbosity),
		LogPattern:       v.GetString(KeyLogPattern),
		Filter:           v.GetString(KeyFilter),
		Output:           strings.ToLower(strings.TrimSpace(v.GetString(KeyOutput))),
		Addr:             v.GetString(KeyAddr),
		RescanInterval:   millis(v.GetInt64(KeyRescanInterval)),
		TruncationNotice: millis(v.GetInt64(KeyTruncationNotice)),
		MaxRetries:       v.GetInt(KeyMaxRetries),
		StopGrace:        millis(v.GetInt64(KeyStopGrace)),
	}
	if c.LogsRoot == "" {
		c.LogsRoot = DefaultLogsRoot()
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks ranges and formats.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %v", ErrInvalidInterval, c.PollInterval)
	}
	if c.RescanInterval < 0 {
		return fmt.Errorf("%w: rescan interval must not be negative, got %v", ErrInvalidInterval, c.RescanInterval)
	}
	if c.TruncationNotice < 0 || c.StopGrace < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	p := strings.TrimSpace(c.LogPattern)
	if p == "" || !doublestar.ValidatePattern(filepath.ToSlash(p)) {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, c.LogPattern)
	}
	if _, err := model.ParseLevel(c.Verbosity); err != nil {
		return err
	}
	switch c.Output {
	case OutputText, OutputJSON, OutputNone:
	default:
		return fmt.Errorf("%w: %q (want text, json or none)", ErrInvalidOutput, c.Output)
	}
	return nil
}

// MinLevel is the parsed verbosity.
func (c Config) MinLevel() model.Level {
	l, _ := model.ParseLevel(c.Verbosity)
	return l
}

func millis(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}
