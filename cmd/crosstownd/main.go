package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crosstownnet/crosstown/config"
	"github.com/crosstownnet/crosstown/internal/logging"
)

// crosstowndMain is the true entry point for crosstownd. Kept separate
// from main so that deferred cleanup still runs when a subsystem returns
// an error instead of calling os.Exit directly.
func crosstowndMain() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logging.SetLevel(cfg.LogLevel)

	n, err := newNode(cfg)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}
	defer n.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("received shutdown signal")
		cancel()
	}()

	return n.run(ctx)
}

func main() {
	if err := crosstowndMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
