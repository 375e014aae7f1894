package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/jmcleod/chatguard/config"
	"github.com/jmcleod/chatguard/guard"
	"github.com/jmcleod/chatguard/internal/util"
)

const rateLimitSweepInterval = 5 * time.Minute

var (
	port        int
	dataDir     string
	tlsCert     string
	tlsKey      string
	devUpstream bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the guarded chat web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer memguard.Purge()

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := cfg.Log.NewLogger()
		slog.SetDefault(logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close(context.Background())
		go a.api.SweepRateLimits(ctx, rateLimitSweepInterval)

		tlsConfig, err := serverTLS(cfg, logger)
		if err != nil {
			return err
		}
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           a.handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server started",
			"port", cfg.Server.Port, "mode", cfg.Mode, "data_dir", cfg.Server.DataDir, "version", Version)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides config)")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for persistent data (overrides config)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().BoolVar(&devUpstream, "dev-upstream", false, "Serve an in-process development upstream")
}

// loadConfig reads the config file and applies server flags. Guard table
// problems are logged by the guard, which then fails closed; every other
// validation error stops startup.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("data-dir") {
		cfg.Server.DataDir = dataDir
	}
	if flags.Changed("tls-cert") {
		cfg.Server.TLSCert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.Server.TLSKey = tlsKey
	}
	if flags.Changed("dev-upstream") {
		cfg.Upstream.Dev = devUpstream
	}
	if err := fatalConfigErrors(cfg.Validate()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fatalConfigErrors drops guard misconfiguration from a Validate result.
func fatalConfigErrors(err error) error {
	if err == nil {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		if errors.Is(err, guard.ErrMisconfigured) {
			return nil
		}
		return err
	}
	var fatal []error
	for _, e := range joined.Unwrap() {
		if !errors.Is(e, guard.ErrMisconfigured) {
			fatal = append(fatal, e)
		}
	}
	return errors.Join(fatal...)
}

func serverTLS(cfg *config.Config, logger *slog.Logger) (*tls.Config, error) {
	var cert tls.Certificate
	if cfg.Server.TLSCert != "" {
		var err error
		cert, err = tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		var err error
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		logger.Warn("using a self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
