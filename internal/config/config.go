// Package config loads server and agent settings from YAML or TOML files
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("unsupported config format")

// Duration is a time.Duration written as a string such as "30s" or "5m".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Timeouts bound how long callers wait on the remote agent.
type Timeouts struct {
	Read     Duration `yaml:"read" toml:"read"`
	Write    Duration `yaml:"write" toml:"write"`
	Command  Duration `yaml:"command" toml:"command"`
	Approval Duration `yaml:"approval" toml:"approval"`
	// OrphanTTL is how long an operation whose caller gave up is kept
	// before it is swept. Zero keeps it until the agent submits.
	OrphanTTL Duration `yaml:"orphan_ttl" toml:"orphan_ttl"`
}

// Log controls logger output.
type Log struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // json, console or auto
}

// Agent holds reference agent settings.
type Agent struct {
	ServerURL string `yaml:"server_url" toml:"server_url"`
	Root      string `yaml:"root" toml:"root"`
	Shell     string `yaml:"shell" toml:"shell"`
	// Approve answers approval requests when no terminal is attached.
	Approve bool `yaml:"approve" toml:"approve"`
}

// Config is the full configuration.
type Config struct {
	Listen         string   `yaml:"listen" toml:"listen"`
	Token          string   `yaml:"token" toml:"token"`
	BundleDir      string   `yaml:"bundle_dir" toml:"bundle_dir"`
	JournalPath    string   `yaml:"journal_path" toml:"journal_path"`
	CommandHistory int      `yaml:"command_history" toml:"command_history"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	Timeouts       Timeouts `yaml:"timeouts" toml:"timeouts"`
	Log            Log      `yaml:"log" toml:"log"`
	Agent          Agent    `yaml:"agent" toml:"agent"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	return c.withDefaults()
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Listen == "" {
		out.Listen = ":8080"
	}
	if out.BundleDir == "" {
		out.BundleDir = filepath.Join(os.TempDir(), "pullbroker-bundles")
	}
	if out.CommandHistory == 0 {
		out.CommandHistory = 256
	}
	if out.PollInterval == 0 {
		out.PollInterval = Duration(2 * time.Second)
	}
	if out.Timeouts.Read == 0 {
		out.Timeouts.Read = Duration(30 * time.Second)
	}
	if out.Timeouts.Write == 0 {
		out.Timeouts.Write = Duration(60 * time.Second)
	}
	if out.Timeouts.Command == 0 {
		out.Timeouts.Command = Duration(120 * time.Second)
	}
	if out.Timeouts.Approval == 0 {
		out.Timeouts.Approval = Duration(300 * time.Second)
	}
	if out.Log.Level == "" {
		out.Log.Level = "info"
	}
	if out.Log.Format == "" {
		out.Log.Format = "auto"
	}
	if out.Agent.ServerURL == "" {
		out.Agent.ServerURL = "http://localhost:8080"
	}
	if out.Agent.Root == "" {
		out.Agent.Root = "/"
	}
	if out.Agent.Shell == "" {
		out.Agent.Shell = "/bin/sh"
	}
	return out
}

// applyEnv overrides file settings from the environment.
func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Listen = ":" + port
	}
	if token := os.Getenv("INTERNAL_API_TOKEN"); token != "" {
		c.Token = token
	}
}

// Load reads path, applies environment overrides and fills defaults. An
// empty path yields the defaults with environment overrides.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		if err := decodeFile(path, &c); err != nil {
			return Config{}, err
		}
	}
	c.applyEnv()
	return c.withDefaults(), nil
}

func decodeFile(path string, c *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("load config %s: %w", path, ErrUnsupportedFormat)
	}
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}
