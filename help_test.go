package main

import (
	"testing"

	"github.com/stealthrocket/sockproxy/internal/assert"
)

var helpTests = tests{
	"calling help with an unknown command causes an error": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "help", "whatever")
		assert.Equal(t, exitCode, 2)
		assert.Equal(t, stdout, "")
		assert.Equal(t, stderr, "sockproxy help whatever: unknown command\n")
	},

	"passing an unsupported flag to the command causes an error": func(t *testing.T) {
		_, _, exitCode := runCommand(t, "help", "-_")
		assert.Equal(t, exitCode, 2)
	},

	"show the help command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "help", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tsockproxy <command> ")
		assert.Equal(t, stderr, "")
	},

	"show the help command help after a command name": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "help", "serve", "--help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tsockproxy <command> ")
		assert.Equal(t, stderr, "")
	},

	"sockproxy help config": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "help", "config")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "\nUsage:\tsockproxy config ")
		assert.Equal(t, stderr, "")
	},

	"sockproxy help help": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "help", "help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "\nUsage:\tsockproxy <command> ")
		assert.Equal(t, stderr, "")
	},

	"sockproxy help serve": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "help", "serve")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "\nUsage:\tsockproxy serve ")
		assert.Equal(t, stderr, "")
	},

	"sockproxy help version": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "help", "version")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "\nUsage:\tsockproxy version")
		assert.Equal(t, stderr, "")
	},
}
