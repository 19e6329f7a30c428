package main

import (
	"testing"

	"github.com/stealthrocket/sockproxy/internal/assert"
)

var rootTests = tests{
	"invoking sockproxy without a command prints the introduction message": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t)
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "sockproxy - Guest Socket Proxy\n")
		assert.Equal(t, stderr, "")
	},

	"show the sockproxy help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tsockproxy <command> ")
		assert.Equal(t, stderr, "")
	},

	"show the sockproxy help with the long option": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "--help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tsockproxy <command> ")
		assert.Equal(t, stderr, "")
	},

	"passing an unsupported flag before the command causes an error": func(t *testing.T) {
		_, _, exitCode := runCommand(t, "-_", "version")
		assert.Equal(t, exitCode, 2)
	},
}
