/*
	Copyright 2023 Loophole Labs

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

		   http://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

// Command tlsterm runs a demo termination endpoint: it accepts
// connections, terminates the session with the built-in demo engine and
// echoes the plaintext back. Configuration comes from TLSTERM_*
// environment variables, optionally loaded from a .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loopholelabs/tlsterm"
	"github.com/loopholelabs/tlsterm/internal/testengine"
	"github.com/loopholelabs/tlsterm/pkg/engine"
	"github.com/loopholelabs/tlsterm/pkg/metrics"
	"github.com/loopholelabs/tlsterm/pkg/vhost"
)

type Config struct {
	Address        string   `env:"ADDRESS"         envDefault:":8443"`
	MetricsAddress string   `env:"METRICS_ADDRESS" envDefault:":9090"`
	LogLevel       string   `env:"LOG_LEVEL"       envDefault:"info"`
	LogFormat      string   `env:"LOG_FORMAT"      envDefault:"text"`
	BaseHost       string   `env:"BASE_HOST"       envDefault:"localhost"`
	Hosts          []string `env:"HOSTS"           envSeparator:","`
	MinProtocol    string   `env:"MIN_PROTOCOL"`
}

var rootCmd = &cobra.Command{
	Use:   "tlsterm",
	Short: "TLS termination demo endpoint",
	Long:  `tlsterm accepts connections, terminates the session with the built-in demo engine and echoes the plaintext back.`,
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := Config{}
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TLSTERM_"}); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	resolver, err := buildResolver(cfg)
	if err != nil {
		return err
	}
	server, err := tlsterm.NewServer(tlsterm.Options{
		Resolver: resolver,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}
	logger.Info("listening", slog.String("address", cfg.Address))

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           metricsHandler(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("metrics endpoint", slog.String("address", cfg.MetricsAddress))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		_ = listener.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to accept: %w", err)
			}
			go serve(server, conn, logger)
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("terminated with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("stopped")
	return nil
}

// serve terminates TLS on conn and echoes the plaintext back until the
// client shuts the session down.
func serve(server *tlsterm.Server, conn net.Conn, logger *slog.Logger) {
	defer func() {
		_ = conn.Close()
	}()
	tlsConn, err := server.Connection(conn)
	if err != nil {
		logger.Warn("failed to establish session",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
		return
	}
	defer func() {
		_ = tlsConn.Close()
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := tlsConn.Read(buf)
		if err != nil {
			return
		}
		if _, err := tlsConn.Write(buf[:n]); err != nil {
			return
		}
	}
}

func buildResolver(cfg Config) (*vhost.Resolver, error) {
	newEngine := func(_ *vhost.Host) (engine.Session, error) {
		return testengine.NewServer(testengine.Options{}), nil
	}
	base, err := vhost.New(vhost.Config{
		Name:        cfg.BaseHost,
		MinProtocol: cfg.MinProtocol,
		NewEngine:   newEngine,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build base host: %w", err)
	}
	hosts := make([]*vhost.Host, 0, len(cfg.Hosts))
	for _, name := range cfg.Hosts {
		h, err := vhost.New(vhost.Config{
			Name:        name,
			MinProtocol: cfg.MinProtocol,
			NewEngine:   newEngine,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build host %s: %w", name, err)
		}
		hosts = append(hosts, h)
	}
	return vhost.NewResolver(base, hosts...)
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

func setupLogger(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
