// Package config loads the configuration of the proxy.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "~/.sockproxy/config.yaml"

// ConfigPath is the path to the proxy configuration.
var ConfigPath Path = DefaultPath()

// DefaultPath returns the path of the configuration file, which is read from
// the SOCKPROXYCONFIG environment variable when it is set.
func DefaultPath() Path {
	if path := os.Getenv("SOCKPROXYCONFIG"); path != "" {
		return Path(path)
	}
	return defaultConfigPath
}

// LoadConfig opens and reads the configuration file.
func LoadConfig() (*Config, error) {
	r, _, err := OpenConfig()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadConfig(r)
}

// OpenConfig opens the configuration file. When the file does not exist, the
// returned reader produces the default configuration.
func OpenConfig() (io.ReadCloser, string, error) {
	path, err := ConfigPath.Resolve()
	if err != nil {
		return nil, path, err
	}
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, path, err
		}
		b, _ := yaml.Marshal(DefaultConfig())
		return io.NopCloser(bytes.NewReader(b)), path, nil
	}
	return f, path, nil
}

// ReadConfig reads, parses, and validates configuration.
func ReadConfig(r io.Reader) (*Config, error) {
	c := DefaultConfig()
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && err != io.EOF {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultConfig is the default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Listen:  "unix:/run/sockproxy.sock",
		Preset:  Medium,
		Workers: 0,
	}
	c.Channel.WriteTimeout = 5 * time.Second
	c.Channel.RetryDelay = 10 * time.Millisecond
	c.Channel.MaxPacket = 1 * MiB
	c.Flow.AckFloor = 16 * KiB
	c.Flow.AckCeiling = 256 * KiB
	c.Flow.AckStep = 16 * KiB
	c.Flow.Coalesce = 256 * KiB
	c.Flow.CorkThreshold = 16 * KiB
	c.Flow.MaxDrainRestarts = 8
	c.Loopback.Network = netip.MustParsePrefix("127.0.1.0/24")
	c.Loopback.Canonical = netip.MustParseAddr("127.0.0.2")
	c.Loopback.Link = "lo"
	c.Log.Level = "info"
	c.Log.Format = "text"
	return c
}

// Config is the proxy configuration.
type Config struct {
	Listen  string `yaml:"listen"`
	Netns   Path   `yaml:"netns,omitempty"`
	Preset  Preset `yaml:"preset"`
	Workers int    `yaml:"workers"`

	Channel struct {
		WriteTimeout time.Duration `yaml:"write_timeout"`
		RetryDelay   time.Duration `yaml:"retry_delay"`
		MaxPacket    Size          `yaml:"max_packet"`
	} `yaml:"channel"`

	Flow struct {
		AckFloor         Size `yaml:"ack_floor"`
		AckCeiling       Size `yaml:"ack_ceiling"`
		AckStep          Size `yaml:"ack_step"`
		Coalesce         Size `yaml:"coalesce"`
		CorkThreshold    Size `yaml:"cork_threshold"`
		MaxDrainRestarts int  `yaml:"max_drain_restarts"`
	} `yaml:"flow"`

	Loopback struct {
		Network   netip.Prefix `yaml:"network"`
		Canonical netip.Addr   `yaml:"canonical"`
		Provision bool         `yaml:"provision"`
		Link      string       `yaml:"link"`
	} `yaml:"loopback"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

var ErrInvalid = errors.New("invalid configuration")

func (c *Config) Validate() error {
	invalid := func(msg string, args ...any) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), ErrInvalid)
	}
	if _, err := LookupPreset(string(c.Preset)); err != nil {
		return err
	}
	if c.Workers < 0 {
		return invalid("workers must not be negative")
	}
	if c.Channel.WriteTimeout <= 0 {
		return invalid("channel.write_timeout must be positive")
	}
	if c.Channel.RetryDelay < 0 {
		return invalid("channel.retry_delay must not be negative")
	}
	if c.Channel.MaxPacket < 4*KiB {
		return invalid("channel.max_packet must be at least 4KiB")
	}
	if c.Flow.AckFloor == 0 || c.Flow.AckFloor > c.Flow.AckCeiling {
		return invalid("flow.ack_floor (%s) must be between 1 and flow.ack_ceiling (%s)", c.Flow.AckFloor, c.Flow.AckCeiling)
	}
	if c.Flow.Coalesce == 0 {
		return invalid("flow.coalesce must be positive")
	}
	if c.Flow.MaxDrainRestarts < 1 {
		return invalid("flow.max_drain_restarts must be at least 1")
	}
	if !c.Loopback.Network.IsValid() {
		return invalid("loopback.network is required")
	}
	if !c.Loopback.Canonical.IsValid() {
		return invalid("loopback.canonical is required")
	}
	return nil
}
