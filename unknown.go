package main

import (
	"context"
)

const unknownCommand = `sockproxy %s: unknown command
For a list of commands available, run 'sockproxy help.'`

func unknown(ctx context.Context, cmd string) error {
	return usageError(unknownCommand, cmd)
}
