package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/cowanweks/ctrader-go/internal/infra/config"
	httpserver "github.com/cowanweks/ctrader-go/internal/infra/server/http"
	"github.com/cowanweks/ctrader-go/pkg/ctrader"
	"github.com/cowanweks/ctrader-go/pkg/observability"
)

const statusReadHeaderTimeout = 5 * time.Second

func buildStatusServer(cfg config.AppConfig, client *ctrader.Client) *http.Server {
	return &http.Server{
		Addr:              cfg.Status.Addr,
		Handler:           httpserver.NewHandler(cfg.Environment, client.Engine()),
		ReadHeaderTimeout: statusReadHeaderTimeout,
	}
}

func startStatusServer(workers *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	logger.Info("status api listening", observability.F("addr", server.Addr))
	workers.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status api stopped", observability.F("error", err))
		}
	})
}

func stopStatusServer(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop status api: %w", err)
	}
	return nil
}
