// SPDX-License-Identifier: MIT

// Command voxpipe-stub serves the in-memory transcription backend for
// local development and end-to-end runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	vplog "github.com/voxpipe/voxpipe/internal/log"
	"github.com/voxpipe/voxpipe/internal/stubserver"
)

var version = "0.1.0"

func main() {
	addr := flag.String("addr", ":9080", "listen address")
	completeAfter := flag.Int("complete-after", 4, "status polls before a job completes")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	vplog.Configure(vplog.Config{
		Level:   *logLevel,
		Service: "voxpipe-stub",
	})
	logger := vplog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           stubserver.New(stubserver.Options{CompleteAfterPolls: *completeAfter}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *addr).Str("version", version).Msg("stub backend listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "voxpipe-stub: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
		logger.Info().Msg("stub backend stopped")
	}
}
