package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/parlorlabs/fleetsync/internal/config"
	"github.com/parlorlabs/fleetsync/internal/engine"
	"github.com/parlorlabs/fleetsync/internal/logging"
	"github.com/parlorlabs/fleetsync/internal/server"
	"github.com/parlorlabs/fleetsync/internal/sot"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleetsyncd",
		Short: "PC fleet state synchronization daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("sot-base-url", defaults.GetString("sot.base_url"), "Source-of-Truth Service base URL")
	cmd.PersistentFlags().String("sot-token", "", "Source-of-Truth Service bearer token (overrides env)")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("poll.interval"), "Full snapshot poll interval")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "sot.base_url", "sot-base-url")
	bindFlag(cmd, "sot.token", "sot-token")
	bindFlag(cmd, "poll.interval", "poll-interval")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	syncEngine, err := engine.New(engine.Config{
		SourceOfTruth: sot.Config{
			BaseURL:   appConfig.SOTBaseURL,
			AuthToken: appConfig.SOTToken,
			Timeout:   appConfig.SOTTimeout,
		},
		WebSocketURL:       appConfig.PushURL,
		PollInterval:       appConfig.PollInterval,
		PollRetryLimit:     appConfig.PollRetryLimit,
		RequestTimeout:     appConfig.SOTTimeout,
		RefetchOnReconnect: appConfig.RefetchOnReconnect,
		PingPeriod:         appConfig.PushPingPeriod,
		LivenessTimeout:    appConfig.PushLiveness,
		ReconnectDelay:     appConfig.PushReconnectDelay,
	}, logger)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:   syncEngine,
		Sessions: syncEngine,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := syncEngine.Start(signalCtx); err != nil {
		return err
	}
	defer syncEngine.Close()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
