package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convolog/relay/internal/capture"
	"github.com/convolog/relay/internal/config"
	"github.com/convolog/relay/internal/observability"
	"github.com/convolog/relay/internal/proxy"
	"github.com/convolog/relay/internal/version"
)

const defaultConfigPath = "convolog.yaml"

const dispatcherDrainTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverIdleTimeout = 2 * time.Minute
const serverShutdownTimeout = 5 * time.Second

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "consume":
		return runConsume(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	var queue capture.Queue
	if cfg.Capture.Queue.Configured() {
		redisQueue := capture.NewRedisQueue(cfg.Capture.Queue.Addr, cfg.Capture.Queue.Password, cfg.Capture.Queue.DB)
		defer func() {
			if err := redisQueue.Close(); err != nil {
				logger.Error("failed to close queue client", "error", err)
			}
		}()
		queue = redisQueue
	}

	var store capture.Store
	if cfg.Capture.Store.Configured() {
		store, err = newStore(context.Background(), cfg.Capture.Store)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize capture store: %v\n", err)
			return 1
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("failed to close capture store", "error", err)
			}
		}()
	}

	if cfg.Capture.Enabled && queue == nil && store == nil {
		logger.Warn("capture is enabled but no queue or store is configured; payloads will be discarded")
	}

	dispatcher := capture.NewDispatcher(capture.DispatcherOptions{
		Enabled:  cfg.Capture.Enabled,
		Queue:    queue,
		QueueKey: cfg.Capture.Queue.Key,
		Store:    store,
		Logger:   logger,
		OnFailure: func(operation string, _ error) {
			otelRuntime.RecordDispatchFailure(operation)
		},
	})

	proxyOptions := proxy.HandlerOptions{
		Upstream:     cfg.Upstream,
		UserIDHeader: cfg.Capture.UserIDHeader,
		Dispatcher:   dispatcher,
		Logger:       logger,
	}
	if otelRuntime.Enabled() {
		proxyOptions.Transport = otelRuntime.WrapHTTPTransport(http.DefaultTransport)
	}
	proxyHandler, err := proxy.NewHandler(proxyOptions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure proxy: %v\n", err)
		return 1
	}

	serverHandler := proxy.LoggingMiddleware(logger, proxyHandler)
	if otelRuntime.Enabled() {
		serverHandler = otelRuntime.SpanEnrichmentMiddleware(serverHandler)
		serverHandler = otelRuntime.WrapHTTPHandler(serverHandler)
	}
	server := newRelayServer(cfg, serverHandler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"upstream", cfg.Upstream.BaseURL,
		"capture_enabled", cfg.Capture.Enabled,
		"queue_configured", queue != nil,
		"store_driver", cfg.Capture.Store.Driver,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		drainDispatcher(logger, dispatcher, dispatcherDrainTimeout)
		logger.Info("relay stopped")
		return 0
	case err := <-errCh:
		drainDispatcher(logger, dispatcher, dispatcherDrainTimeout)
		if err != nil {
			logger.Error("relay failed", "error", err)
			return 1
		}
		return 0
	}
}

// runConsume drains up to one batch from the capture queue into the durable
// store and prints the batch result as JSON. Intended to run on a schedule.
func runConsume(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("consume", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	batchSize := flagSet.Int("batch-size", 0, "Maximum items to process (default: consumer.batch_size)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "consume does not accept positional arguments")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}
	if !cfg.Capture.Queue.Configured() {
		fmt.Fprintln(errOut, "consume requires capture.queue.addr to be set")
		return 1
	}
	if !cfg.Capture.Store.Configured() {
		fmt.Fprintln(errOut, "consume requires capture.store.driver to be set")
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := capture.NewRedisQueue(cfg.Capture.Queue.Addr, cfg.Capture.Queue.Password, cfg.Capture.Queue.DB)
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error("failed to close queue client", "error", err)
		}
	}()

	store, err := newStore(ctx, cfg.Capture.Store)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize capture store: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close capture store", "error", err)
		}
	}()

	size := *batchSize
	if size <= 0 {
		size = cfg.Consumer.BatchSize
	}

	consumer := capture.NewConsumer(queue, cfg.Capture.Queue.Key, store, logger)
	consumer.OnFailure = func(_ error) {
		otelRuntime.RecordConsumeFailure(1)
	}
	result := consumer.Consume(ctx, size)

	encoder := json.NewEncoder(out)
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(errOut, "failed to encode batch result: %v\n", err)
		return 1
	}
	if result.Failed > 0 {
		return 1
	}
	return 0
}

func newStore(ctx context.Context, cfg config.StoreConfig) (capture.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverREST:
		return capture.NewRESTStore(cfg.REST.URL, cfg.REST.APIKey)
	case config.StoreDriverPostgres:
		return capture.NewPostgresStore(ctx, cfg.DSN)
	case config.StoreDriverSQLite:
		return capture.NewSQLiteStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported capture.store.driver %q", cfg.Driver)
	}
}

func newRelayServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
		// No write timeout: streamed responses are open-ended.
	}
}

func drainDispatcher(logger *slog.Logger, dispatcher *capture.Dispatcher, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := dispatcher.Drain(ctx); err != nil {
		logger.Warn("capture dispatcher did not drain before timeout", "error", err)
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry", "error", err)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "usage: convolog <command> [flags]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "commands:")
	fmt.Fprintln(out, "  serve             Run the relay (default)")
	fmt.Fprintln(out, "  consume           Drain one batch from the capture queue into the store")
	fmt.Fprintln(out, "  config validate   Validate the configuration file")
	fmt.Fprintln(out, "  version           Print version information")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: convolog config validate [--config path/to/convolog.yaml]")
}
