// Package main provides the server-role CLI entry point: accepts
// SOCKS4/SOCKS5/HTTP CONNECT (optionally the TLS-wrapped remote hop of a
// client instance) and always dials the requested destination directly.
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
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/muti-metroo/internal/certutil"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/orchestrator"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "socks-tunnel-server",
		Short:   "Dual-mode SOCKS4/SOCKS5/HTTP CONNECT server proxy",
		Version: Version,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(gencertCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		port        int
		useTLS      bool
		certPath    string
		keyPath     string
		logLevel    string
		logFormat   string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server proxy, accepting connections and dialing directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger(logLevel, logFormat)

			if useTLS && (certPath == "" || keyPath == "") {
				return fmt.Errorf("-t/--tls requires both -c/--cert and -k/--key")
			}

			m := metrics.NewMetrics()
			if metricsAddr != "" {
				serveMetrics(logger, metricsAddr)
			}

			listenAddr := net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
			cfg := orchestrator.ListenerConfig{
				Address:     listenAddr,
				RunOnServer: true,
				Logger:      logger,
				Metrics:     m,
			}
			if useTLS {
				cfg.TLSCertPath = certPath
				cfg.TLSKeyPath = keyPath
			}

			l := orchestrator.NewListener(cfg)
			if err := l.Start(); err != nil {
				return fmt.Errorf("start listener: %w", err)
			}
			defer l.Stop()

			fmt.Printf("socks-tunnel server listening on %s (tls=%v)\n", l.Address(), useTLS)
			waitForShutdown(logger)
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 6789, "local listen port")
	cmd.Flags().BoolVarP(&useTLS, "tls", "t", false, "require a TLS handshake from the client's remote hop")
	cmd.Flags().StringVarP(&certPath, "cert", "c", "", "server certificate PEM file (required with -t)")
	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "server private key PEM file (required with -t)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text, json")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")

	return cmd
}

func gencertCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
	)

	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Generate a self-signed server certificate for the remote hop",
		Long: `Generate a self-signed EC server certificate and private key, suitable
for -c/-k when running this server with -t, or for the matching client's
-c trust anchor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := certutil.DefaultServerOptions(commonName)
			opts.ValidFor = time.Duration(validDays) * 24 * time.Hour

			cert, err := certutil.GenerateCert(opts)
			if err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}

			certPath := outDir + "/server.crt"
			keyPath := outDir + "/server.key"
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("save certificate: %w", err)
			}

			fmt.Printf("generated self-signed server certificate:\n")
			fmt.Printf("  certificate: %s\n", certPath)
			fmt.Printf("  private key: %s\n", keyPath)
			fmt.Printf("  fingerprint: %s\n", cert.Fingerprint())
			fmt.Printf("  expires:     %s\n", cert.Certificate.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "localhost", "common name / hostname for the certificate")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "output directory for the certificate and key")
	cmd.Flags().IntVar(&validDays, "days", 365, "validity period in days")

	return cmd
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
