package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/veriseal-org/veriseal/cli/veriseal/cmd"
	"github.com/veriseal-org/veriseal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.New(logger.New).Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "veriseal exited with error: %v\n", err)
		os.Exit(1)
	}
}
