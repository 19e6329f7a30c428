package config_test

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stealthrocket/sockproxy/internal/assert"
	"github.com/stealthrocket/sockproxy/internal/config"
)

func TestReadConfig(t *testing.T) {
	c, err := config.ReadConfig(strings.NewReader(`
listen: tcp:127.0.0.1:9000
preset: large
channel:
  write_timeout: 250ms
flow:
  ack_floor: 8KiB
  coalesce: 1 MiB
loopback:
  network: 127.0.3.0/24
`))
	assert.OK(t, err)
	assert.Equal(t, c.Listen, "tcp:127.0.0.1:9000")
	assert.Equal(t, c.Preset, config.Large)
	assert.Equal(t, c.Channel.WriteTimeout, 250*time.Millisecond)
	assert.Equal(t, c.Flow.AckFloor, 8*config.KiB)
	assert.Equal(t, c.Flow.Coalesce, config.MiB)
	assert.Equal(t, c.Loopback.Network, netip.MustParsePrefix("127.0.3.0/24"))

	// Values not present in the input keep their defaults.
	assert.Equal(t, c.Channel.RetryDelay, 10*time.Millisecond)
	assert.Equal(t, c.Flow.AckCeiling, 256*config.KiB)
	assert.Equal(t, c.Loopback.Canonical, netip.MustParseAddr("127.0.0.2"))
}

func TestReadConfigEmpty(t *testing.T) {
	c, err := config.ReadConfig(strings.NewReader(""))
	assert.OK(t, err)
	assert.DeepEqual(t, c, config.DefaultConfig())
}

func TestReadConfigErrors(t *testing.T) {
	tests := []struct {
		scenario string
		input    string
	}{
		{
			scenario: "unknown fields are rejected",
			input:    "listen: unix:/tmp/s\nbogus: true\n",
		},

		{
			scenario: "unknown presets are rejected",
			input:    "preset: huge\n",
		},

		{
			scenario: "malformed sizes are rejected",
			input:    "flow:\n  ack_floor: lots\n",
		},

		{
			scenario: "the ack floor must not exceed the ceiling",
			input:    "flow:\n  ack_floor: 1MiB\n  ack_ceiling: 64KiB\n",
		},

		{
			scenario: "the write timeout must be positive",
			input:    "channel:\n  write_timeout: 0s\n",
		},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			_, err := config.ReadConfig(strings.NewReader(test.input))
			if err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	b, err := yaml.Marshal(config.DefaultConfig())
	assert.OK(t, err)

	c, err := config.ReadConfig(bytes.NewReader(b))
	assert.OK(t, err)
	assert.DeepEqual(t, c, config.DefaultConfig())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	assert.OK(t, os.WriteFile(path, []byte("preset: small\n"), 0600))

	defer func(p config.Path) { config.ConfigPath = p }(config.ConfigPath)
	config.ConfigPath = config.Path(path)

	c, err := config.LoadConfig()
	assert.OK(t, err)
	assert.Equal(t, c.Preset, config.Small)

	config.ConfigPath = config.Path(filepath.Join(dir, "missing.yaml"))
	c, err = config.LoadConfig()
	assert.OK(t, err)
	assert.Equal(t, c.Preset, config.Medium)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		size  config.Size
	}{
		{"0", 0},
		{"1500", 1500},
		{"64KiB", 64 * config.KiB},
		{"64 Ki", 64 * config.KiB},
		{"1.5KB", 1500},
		{"4 MiB", 4 * config.MiB},
		{"2GiB", 2 * config.GiB},
		{"10B", 10},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			size, err := config.ParseSize(test.input)
			assert.OK(t, err)
			assert.Equal(t, size, test.size)
		})
	}

	for _, input := range []string{"", "KiB", "-1", "1.5XB", "NaN"} {
		_, err := config.ParseSize(input)
		if err == nil {
			t.Errorf("%q: expected an error", input)
		}
	}
}

func TestSizeString(t *testing.T) {
	assert.Equal(t, config.Size(1500).String(), "1500")
	assert.Equal(t, (64 * config.KiB).String(), "64KiB")
	assert.Equal(t, (3 * config.MiB).String(), "3MiB")
	assert.Equal(t, (1*config.MiB + 1).String(), "1048577")
}

func TestPresets(t *testing.T) {
	assert.EqualAll(t, config.Presets(), []config.Preset{config.Large, config.Medium, config.Small})

	small, err := config.LookupPreset("small")
	assert.OK(t, err)
	assert.Less(t, small.MaxInFlight, config.Medium.Budget().MaxInFlight)
	assert.Less(t, config.Medium.Budget().MaxInFlight, config.Large.Budget().MaxInFlight)

	var p config.Preset
	assert.OK(t, p.Set("large"))
	assert.Equal(t, p, config.Large)
	assert.Error(t, p.Set("tiny"), config.ErrInvalid)
}

func TestPathResolve(t *testing.T) {
	t.Setenv("HOME", "/home/guest")
	path, err := config.Path("~/.sockproxy/config.yaml").Resolve()
	assert.OK(t, err)
	assert.Equal(t, path, "/home/guest/.sockproxy/config.yaml")

	path, err = config.Path("/etc/sockproxy.yaml").Resolve()
	assert.OK(t, err)
	assert.Equal(t, path, "/etc/sockproxy.yaml")
}
