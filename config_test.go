package main

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stealthrocket/sockproxy/internal/assert"
	sockproxy "github.com/stealthrocket/sockproxy/internal/config"
)

var configTests = tests{
	"the text output is the configuration file": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "config")
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stdout, testConfig)
		assert.Equal(t, stderr, "")
	},

	"the yaml output has the defaults filled in": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "config", "-o", "yaml")
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stderr, "")
		assert.True(t, strings.Contains(stdout, "preset: small\n"))
		assert.True(t, strings.Contains(stdout, "write_timeout: 5s\n"))
	},

	"the json output decodes to the configuration": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "config", "--output", "json")
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stderr, "")

		c := new(sockproxy.Config)
		assert.OK(t, json.Unmarshal([]byte(stdout), c))
		assert.Equal(t, c.Preset, sockproxy.Small)
		assert.Equal(t, c.Log.Level, "error")
		assert.Equal(t, c.Listen, "unix:/tmp/sockproxy-test.sock")
	},

	"the configuration path can be passed as an option": func(t *testing.T) {
		path := t.TempDir() + "/other.yaml"
		assert.OK(t, os.WriteFile(path, []byte("preset: large\n"), 0666))

		stdout, _, exitCode := runCommand(t, "config", "-c", path, "-o", "yaml")
		assert.Equal(t, exitCode, 0)
		assert.True(t, strings.Contains(stdout, "preset: large\n"))
	},

	"an invalid configuration causes an error": func(t *testing.T) {
		assert.OK(t, os.WriteFile(os.Getenv("SOCKPROXYCONFIG"), []byte("preset: huge\n"), 0666))

		stdout, stderr, exitCode := runCommand(t, "config", "-o", "yaml")
		assert.Equal(t, exitCode, 1)
		assert.Equal(t, stdout, "")
		assert.HasPrefix(t, stderr, "ERR: sockproxy config: ")
	},

	"unknown configuration fields cause an error": func(t *testing.T) {
		assert.OK(t, os.WriteFile(os.Getenv("SOCKPROXYCONFIG"), []byte("registry: {}\n"), 0666))

		_, stderr, exitCode := runCommand(t, "config")
		assert.Equal(t, exitCode, 1)
		assert.HasPrefix(t, stderr, "ERR: sockproxy config: ")
	},

	"an unsupported output format causes an error": func(t *testing.T) {
		_, _, exitCode := runCommand(t, "config", "-o", "xml")
		assert.Equal(t, exitCode, 2)
	},
}
