package main

import (
	"context"
	"fmt"
)

const helpUsage = `
Usage:	sockproxy <command> [options]

Proxy Commands:
   serve    Accept guest channels and proxy their sockets

Other Commands:
   config   View or edit the sockproxy configuration
   help     Show usage information about sockproxy commands
   version  Show the sockproxy version information

Global Options:
   -c, --config path  Path to the sockproxy configuration file (overrides SOCKPROXYCONFIG)
   -h, --help         Show usage information

For a description of each command, run 'sockproxy help <command>'.`

func help(ctx context.Context, args []string) error {
	flagSet := newFlagSet("sockproxy help", helpUsage)
	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}

	var cmd string
	var msg string

	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "config":
		msg = configUsage
	case "help", "":
		msg = helpUsage
	case "serve":
		msg = serveUsage
	case "version":
		msg = versionUsage
	default:
		return usageError("sockproxy help %s: unknown command", cmd)
	}

	fmt.Fprintln(stdout, msg)
	return nil
}
