// nxtunnel - exposes hosts reachable from a Nexterm server on local ports
// through WebSocket tunnels.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"nxtunnel/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nxtunnel: %v\n", err)
		os.Exit(1)
	}
}
