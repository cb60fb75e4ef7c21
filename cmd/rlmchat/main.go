package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rand/rlmchat/internal/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
