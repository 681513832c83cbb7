package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dunamismax/pixelconvert/internal/cli"
	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
)

func main() {
	logger := log.New(os.Stderr, "[cli] ", log.LstdFlags|log.Lmsgprefix)
	if err := pipeline.Startup(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand(logger, config.Load()).ExecuteContext(ctx)
	stop()
	pipeline.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
