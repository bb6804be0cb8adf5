// Command nomad applies, reverses and inspects Lua migrations.
//
// Usage:
//
//	nomad init [--driver sqlite3]
//	nomad create <name> [-d description]
//	nomad show
//	nomad sync
//	nomad up [target]
//	nomad down <target>
//	nomad set-head <target|none>
//
// Configuration is read from Nomadfile.lua in the working directory, or from
// the file given with -c.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCmd(&cli{in: os.Stdin, out: os.Stdout, errOut: os.Stderr})
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
