package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rigado/bootloader-tools/internal/cli"
)

func main() {
	// Cancelling the context aborts scanning and any pending exchange; the
	// updater then resets the device before returning.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
