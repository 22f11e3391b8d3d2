// Spins up the grove server: a hierarchical key value cache served over the Redis protocol and a JSON HTTP API.

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nobletooth/grove/pkg/cache"
	"github.com/nobletooth/grove/pkg/config"
	"github.com/nobletooth/grove/pkg/port"
	"github.com/nobletooth/grove/pkg/utils"
	"golang.org/x/sync/errgroup"
)

var printVersion = flag.Bool("print_version", false, "Print the version and exit.")

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Grove build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := cache.New(ctx, cache.OptionsFromFlags())
	closeStore := func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close the cache.", "error", err)
		}
	}
	defer closeStore()
	metrics, err := port.NewMetricsHandler(store)
	if err != nil {
		slog.Error("Failed to create the metrics handler.", "error", err)
		closeStore()
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return port.RunRedisServer(groupCtx, store) })
	group.Go(func() error { return port.RunHTTPServer(groupCtx, store, metrics) })
	if err := group.Wait(); err != nil {
		slog.Error("Grove server stopped.", "error", err)
		stop()
		closeStore() // os.Exit skips the deferred close.
		os.Exit(1)
	}
	slog.Info("Grove server stopped.")
}
