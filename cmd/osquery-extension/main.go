// Command osquery-extension is an example extension exposing a processes
// table, a YAML backed config plugin and a logger that writes through
// logrus. osqueryd starts it with --socket, --timeout and --interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/snowmerak/osquery.go/internal/config"
	"github.com/snowmerak/osquery.go/lib/extension"
	"github.com/snowmerak/osquery.go/lib/server"
)

const (
	extensionName    = "osquery_go_example"
	extensionVersion = "0.1.0"
)

type flags struct {
	socket     string
	timeout    int
	interval   int
	configPath string
	verbose    bool
}

func parseFlags(args []string) (*flags, map[string]bool, error) {
	f := &flags{}
	fs := flag.NewFlagSet("osquery-extension", flag.ContinueOnError)
	fs.StringVar(&f.socket, "socket", "", "Path to the osquery extension manager socket")
	fs.IntVar(&f.timeout, "timeout", 0, "Seconds to wait for the manager")
	fs.IntVar(&f.interval, "interval", 0, "Seconds between pings of the manager")
	fs.StringVar(&f.configPath, "config", "", "Path to the extension's YAML configuration")
	fs.BoolVar(&f.verbose, "verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set, nil
}

// loadConfig merges file, environment and flags; flags win.
func loadConfig(f *flags, set map[string]bool) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if set["socket"] {
		cfg.Socket = f.socket
	}
	if set["timeout"] {
		cfg.Timeout = time.Duration(f.timeout) * time.Second
	}
	if set["interval"] {
		cfg.Interval = time.Duration(f.interval) * time.Second
	}
	if f.verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f, set, err := parseFlags(args)
	if err != nil {
		return 2
	}

	cfg, err := loadConfig(f, set)
	if err != nil {
		fmt.Fprintf(os.Stderr, "osquery-extension: %v\n", err)
		return 1
	}

	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "osquery-extension: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []extension.Option{
		extension.WithVersion(extensionVersion),
		extension.WithTimeout(cfg.Timeout),
		extension.WithPingInterval(cfg.Interval),
		extension.WithConnectRetries(cfg.ConnectRetries),
		extension.WithCallTimeout(cfg.CallTimeout),
		extension.WithMaxFrameSize(cfg.MaxFrameSize),
		extension.WithLogger(logger),
	}
	if strings.EqualFold(cfg.Transport, "unframed") {
		opts = append(opts, extension.WithUnframed())
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, extension.WithMetrics(server.NewMetrics(reg)))
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer srv.Close()
	}

	ext := extension.New(extensionName, cfg.Socket, opts...)
	if err := ext.RegisterPlugin(
		newProcessesTable(),
		newYAMLConfig(cfg.ConfigSource),
		newLogrusLogger(logger),
	); err != nil {
		logger.WithError(err).Error("failed to register plugins")
		return 1
	}

	if err := ext.Run(ctx); err != nil {
		switch {
		case errors.Is(err, extension.ErrRegistrationRejected):
			logger.WithError(err).Error("osquery rejected the extension")
		case errors.Is(err, extension.ErrHostUnreachable):
			logger.WithError(err).Error("osquery went away")
		default:
			logger.WithError(err).Error("extension failed")
		}
		return 1
	}
	logger.Info("extension exited")
	return 0
}

func serveMetrics(addr string, reg *prometheus.Registry, logger logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics endpoint stopped")
		}
	}()
	return srv
}
