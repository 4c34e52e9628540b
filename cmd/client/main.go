// Package main provides the client-role CLI entry point: accepts
// SOCKS4/SOCKS5/HTTP CONNECT locally and routes each destination either
// direct or through a remote proxy hop, per rule file verdicts.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/muti-metroo/internal/config"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/orchestrator"
	"github.com/postalsys/muti-metroo/internal/rules"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	var (
		port        int
		useTLS      bool
		certPath    string
		remoteHost  string
		remotePort  int
		ruleFile    string
		logLevel    string
		logFormat   string
		metricsAddr string
		geoDBPath   string
	)

	cmd := &cobra.Command{
		Use:     "socks-tunnel-client",
		Short:   "Dual-mode SOCKS4/SOCKS5/HTTP CONNECT client proxy",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger(logLevel, logFormat)

			if remoteHost == "" {
				logger.Warn("no remote proxy host configured; PROXY verdicts will fail until -h is set")
			}

			var store *rules.Store
			if ruleFile != "" {
				parsed, err := config.LoadRuleFile(ruleFile)
				if err != nil {
					return fmt.Errorf("load rule file: %w", err)
				}

				opts := []rules.Option{}
				if geoDBPath != "" {
					geo, err := rules.OpenMMDB(geoDBPath)
					if err != nil {
						return fmt.Errorf("open geoip database: %w", err)
					}
					defer geo.Close()
					opts = append(opts, rules.WithGeoDB(geo))
				}

				store, err = rules.Load(parsed, opts...)
				if err != nil {
					return fmt.Errorf("load rule store: %w", err)
				}
			}

			m := metrics.NewMetrics()
			if metricsAddr != "" {
				serveMetrics(logger, metricsAddr)
			}

			var proxy *orchestrator.ProxyConfig
			if remoteHost != "" {
				proxy = &orchestrator.ProxyConfig{
					RemoteHost: remoteHost,
					RemotePort: remotePort,
				}
				if useTLS {
					proxy.CertPath = certPath
				}
			}

			listenAddr := net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
			l := orchestrator.NewListener(orchestrator.ListenerConfig{
				Address: listenAddr,
				Proxy:   proxy,
				Store:   store,
				Logger:  logger,
				Metrics: m,
			})

			if err := l.Start(); err != nil {
				return fmt.Errorf("start listener: %w", err)
			}
			defer l.Stop()

			fmt.Printf("socks-tunnel client listening on %s\n", l.Address())
			if proxy != nil {
				fmt.Printf("remote hop: %s:%d (tls=%v)\n", proxy.RemoteHost, proxy.RemotePort, proxy.CertPath != "")
			}

			waitForShutdown(logger)
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 3456, "local listen port")
	cmd.Flags().BoolVarP(&useTLS, "tls", "t", false, "wrap the remote hop connection in TLS (only together with -c)")
	cmd.Flags().StringVarP(&certPath, "cert", "c", "", "trusted CA certificate for the remote hop's TLS server")
	cmd.Flags().StringVarP(&remoteHost, "host", "h", "", "remote proxy host for PROXY-verdict destinations")
	cmd.Flags().IntVarP(&remotePort, "remote-port", "o", 6789, "remote proxy port")
	cmd.Flags().StringVarP(&ruleFile, "rules", "r", "", "path to the routing rule YAML file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text, json")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	cmd.Flags().StringVar(&geoDBPath, "geoip-db", "", "path to a GeoIP2/GeoLite2 country MMDB file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}

func waitForShutdown(logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
}
