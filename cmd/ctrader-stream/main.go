// Command ctrader-stream connects to the cTrader Open API, subscribes the configured
// streams and prints every push event as a JSON line.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/cowanweks/ctrader-go/internal/infra/config"
	"github.com/cowanweks/ctrader-go/internal/infra/telemetry"
	"github.com/cowanweks/ctrader-go/pkg/ctrader"
	"github.com/cowanweks/ctrader-go/pkg/observability"
	"github.com/cowanweks/ctrader-go/pkg/openapi"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

const (
	appName           = "ctrader-stream"
	defaultConfigPath = "config/ctrader.yaml"
	connectTimeout    = 60 * time.Second
	shutdownTimeout   = 15 * time.Second
	meterName         = "github.com/cowanweks/ctrader-go/session"
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := run(ctx, resolveConfigPath(cfgPathFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func run(ctx context.Context, configPath string) error {
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewZerolog(observability.ZerologOptions{
		App:     appName,
		Level:   appCfg.Logging.Level,
		Console: appCfg.Logging.Console,
		Out:     os.Stderr,
	})
	observability.SetLogger(logger)
	logger.Info("configuration initialised",
		observability.F("environment", appCfg.Environment),
		observability.F("address", appCfg.Address()),
		observability.F("transport", string(appCfg.Endpoint.Transport)),
		observability.F("accounts", len(appCfg.Credentials.AccountIDs)),
		observability.F("subscriptions", len(appCfg.Subscriptions)))

	provider, err := telemetry.NewProvider(ctx, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialised",
			observability.F("endpoint", appCfg.Telemetry.OTLPEndpoint),
			observability.F("service", appCfg.Telemetry.ServiceName))
	}

	client, err := ctrader.New(appCfg.SessionConfig(), appCfg.Dialer(), appCfg.ClientCredentials(),
		session.WithLogger(logger),
		session.WithMeter(provider.Meter(meterName)),
	)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}

	out := newLineWriter(os.Stdout)
	var workers conc.WaitGroup
	pumpCtx, stopPumps := context.WithCancel(ctx)
	startPumps(pumpCtx, &workers, client, out, logger)

	var status *http.Server
	if appCfg.Status.Enabled {
		status = buildStatusServer(appCfg, client)
		startStatusServer(&workers, logger, status)
	}

	var journal *journalHandle
	if appCfg.Journal.Enabled {
		journal, err = startJournal(pumpCtx, appCfg.Journal, client, provider, logger, &workers)
		if err != nil {
			cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelCleanup()
			_ = shutdown(cleanupCtx, client, provider, status, stopPumps, &workers)
			return err
		}
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, connectTimeout)
	err = client.Connect(connectCtx)
	cancelConnect()
	if err == nil {
		logger.Info("session ready", observability.F("conn_id", client.Engine().ConnID()))
		startup := mergeSubscriptions(appCfg.StartupSubscriptions(), journal.restoredSubscriptions(), appCfg.Credentials.AccountIDs)
		if subErr := subscribeStartup(ctx, client, startup); subErr != nil {
			logger.Warn("startup subscriptions incomplete", observability.F("error", subErr))
		}
		journal.trackSubscriptions()
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case <-client.Done():
			err = client.Err()
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	shutdownErr := shutdown(shutdownCtx, client, provider, status, stopPumps, &workers)
	journal.close()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return shutdownErr
}

func startPumps(ctx context.Context, workers *conc.WaitGroup, client *ctrader.Client, out *lineWriter, logger observability.Logger) {
	spots := client.Spots()
	depth := client.Depth()
	executions := client.Executions()
	states := client.Engine().StateChanges()

	emit := func(v any) {
		if err := out.Write(v); err != nil {
			logger.Warn("write event", observability.F("error", err))
		}
	}

	workers.Go(func() {
		defer spots.Close()
		pump(ctx, spots.C(), func(ev openapi.SpotEvent) { emit(renderSpot(ev)) })
	})
	workers.Go(func() {
		defer depth.Close()
		pump(ctx, depth.C(), func(ev openapi.DepthEvent) { emit(renderDepth(ev)) })
	})
	workers.Go(func() {
		defer executions.Close()
		pump(ctx, executions.C(), func(ev openapi.ExecutionEvent) { emit(renderExecution(ev)) })
	})
	workers.Go(func() {
		defer states.Close()
		for change := range states.All(ctx) {
			logger.Info("session state changed",
				observability.F("from", change.From.String()),
				observability.F("to", change.To.String()),
				observability.F("conn_id", change.ConnID))
			emit(renderState(change))
		}
	})
}

func pump[T any](ctx context.Context, ch <-chan T, handle func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			handle(v)
		}
	}
}

func subscribeStartup(ctx context.Context, client *ctrader.Client, subs []session.Subscription) error {
	failures := make([]error, 0, len(subs))
	for _, sub := range subs {
		if err := client.Engine().Subscribe(ctx, sub); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", sub, err))
		}
	}
	return observability.AggregateErrors("subscribe startup streams", failures)
}

func shutdown(ctx context.Context, client *ctrader.Client, provider *telemetry.Provider, status *http.Server, stopPumps context.CancelFunc, workers *conc.WaitGroup) error {
	var failures []error
	if err := stopStatusServer(ctx, status); err != nil {
		failures = append(failures, err)
	}
	if err := client.Close(ctx); err != nil {
		failures = append(failures, fmt.Errorf("close client: %w", err))
	}
	stopPumps()
	workers.Wait()
	if err := provider.Shutdown(ctx); err != nil {
		failures = append(failures, err)
	}
	return observability.AggregateErrors("shutdown", failures)
}
