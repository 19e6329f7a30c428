package main

// Notes on program structure
// --------------------------
//
// sockproxy uses subcommands to invoke specific functionalities of the program.
// Each subcommand is implemented by a function named after the command, in a
// file of the same name (e.g. the "help" command is implemented by the help
// function in help.go).
//
// The usage message for each command is declared by a constant starting with
// the command name and followed by the suffix "Usage". For example, the usage
// message for the "help" command is declared by the constant helpUsage.
//
// The usage message contains a "Usage:	sockproxy <command>" section presenting
// the structure of the command. Note the tabulation separating "Usage:" and
// "sockproxy".

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"

	"golang.org/x/exp/slices"

	sockproxy "github.com/stealthrocket/sockproxy/internal/config"
)

const rootUsage = `sockproxy - Guest Socket Proxy

   sockproxy runs the host side of a paravirtualized network stack: guests send
   socket operations over a message channel, and the proxy executes them on
   real host sockets, relaying data in both directions with flow control.

Example:

   $ sockproxy serve --listen unix:/run/sockproxy.sock
   ...

For a list of commands available, run 'sockproxy help'.`

// stdout and stderr are where commands write their output.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// root is the sockproxy entrypoint.
func root(ctx context.Context, args ...string) int {
	var (
		// Secret options, we don't document them since they are only used for
		// development. Since they are not part of the public interface we may
		// remove or change the syntax at any time.
		cpuProfile sockproxy.Path
		memProfile sockproxy.Path
	)

	sockproxy.ConfigPath = sockproxy.DefaultPath()

	flagSet := newFlagSet("sockproxy", helpUsage)
	customVar(flagSet, &cpuProfile, "cpuprofile")
	customVar(flagSet, &memProfile, "memprofile")

	switch err := flagSet.Parse(args); {
	case errors.Is(err, flag.ErrHelp):
		return 0
	case err != nil:
		return 2
	}

	if args = flagSet.Args(); len(args) == 0 {
		fmt.Fprintln(stdout, rootUsage)
		return 0
	}

	if cpuProfile != "" {
		path, _ := cpuProfile.Resolve()
		f, err := os.Create(path)
		if err != nil {
			fmt.Fprintf(stderr, "WARN: could not create CPU profile: %s\n", err)
		} else {
			defer f.Close()
			_ = pprof.StartCPUProfile(f)
			defer pprof.StopCPUProfile()
		}
	}

	if memProfile != "" {
		path, _ := memProfile.Resolve()
		defer func() {
			f, err := os.Create(path)
			if err != nil {
				fmt.Fprintf(stderr, "WARN: could not create memory profile: %s\n", err)
				return
			}
			defer f.Close()
			runtime.GC()
			_ = pprof.WriteHeapProfile(f)
		}()
	}

	cmd, args := args[0], args[1:]

	var err error
	switch cmd {
	case "config":
		err = config(ctx, args)
	case "help":
		err = help(ctx, args)
	case "serve":
		err = serve(ctx, args)
	case "version":
		err = version(ctx, args)
	default:
		err = unknown(ctx, cmd)
	}

	switch e := err.(type) {
	case nil:
		return 0
	case exitCode:
		return int(e)
	case usage:
		fmt.Fprintf(stderr, "%s\n", e)
		return 2
	default:
		fmt.Fprintf(stderr, "ERR: sockproxy %s: %s\n", cmd, err)
		return 1
	}
}

// exitCode is an error type returned from command functions to indicate the
// exit code that should be returned by the program.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit: %d", e)
}

// usage is an error type returned from command functions to indicate a usage
// error.
//
// Usage erors cause the program to exist with status code 2.
type usage string

func usageError(msg string, args ...any) error {
	return usage(fmt.Sprintf(msg, args...))
}

func (e usage) Error() string {
	return string(e)
}

func setEnum[T ~string](enum *T, typ string, value string, options ...string) error {
	for _, option := range options {
		if option == value {
			*enum = T(option)
			return nil
		}
	}
	return fmt.Errorf("unsupported %s: %q (not one of %s)", typ, value, strings.Join(options, ", "))
}

type outputFormat string

func (o outputFormat) String() string {
	return string(o)
}

func (o *outputFormat) Set(value string) error {
	return setEnum(o, "output format", value, "text", "json", "yaml")
}

type stringValue string

func (s stringValue) String() string {
	return string(s)
}

func (s *stringValue) Set(value string) error {
	*s = stringValue(value)
	return nil
}

func newFlagSet(cmd, usage string) *flag.FlagSet {
	usage = strings.TrimSpace(usage)
	flagSet := flag.NewFlagSet(cmd, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.Usage = func() { fmt.Fprintln(stdout, usage) }
	customVar(flagSet, &sockproxy.ConfigPath, "c", "config")
	return flagSet
}

// parseFlags is a greedy parser which consumes all options known to f and
// returns the remaining arguments.
//
// Asking for help prints the usage message and returns exitCode(0), other
// parsing errors are returned as usage errors.
func parseFlags(f *flag.FlagSet, args []string) ([]string, error) {
	var unknownArgs []string
	for {
		if err := f.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, exitCode(0)
			}
			return nil, usageError("%s: %s", f.Name(), err)
		}
		if args = f.Args(); len(args) == 0 {
			return unknownArgs, nil
		}
		i := slices.IndexFunc(args, func(s string) bool {
			return strings.HasPrefix(s, "-")
		})
		if i < 0 {
			i = len(args)
		} else if args[i] == "-" {
			i++
		}
		if i == 0 {
			return nil, usageError("%s: unexpected argument %q", f.Name(), args[0])
		}
		unknownArgs = append(unknownArgs, args[:i]...)
		args = args[i:]
	}
}

func boolVar(f *flag.FlagSet, dst *bool, name string, alias ...string) {
	f.BoolVar(dst, name, *dst, "")
	for _, name := range alias {
		f.BoolVar(dst, name, *dst, "")
	}
}

func customVar(f *flag.FlagSet, dst flag.Value, name string, alias ...string) {
	f.Var(dst, name, "")
	for _, name := range alias {
		f.Var(dst, name, "")
	}
}
