package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/zalo/moonlight-embedded/internal/app"
)

func main() {
	// Handle shutdown signals; they end a running stream
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	code := app.New(os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
