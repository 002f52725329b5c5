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

	"github.com/tandemlabs/tandem-sync/internal/config"
	"github.com/tandemlabs/tandem-sync/internal/database"
	"github.com/tandemlabs/tandem-sync/internal/gitaudit"
	"github.com/tandemlabs/tandem-sync/internal/logging"
	"github.com/tandemlabs/tandem-sync/internal/registry"
	"github.com/tandemlabs/tandem-sync/internal/server"
	"github.com/tandemlabs/tandem-sync/internal/session"
	"github.com/tandemlabs/tandem-sync/internal/track"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tandem-sync",
		Short: "Tandem collaborative document sync server",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("store-debounce-ms", defaults.GetInt("store.debounce_ms"), "Session store debounce in milliseconds")
	cmd.PersistentFlags().String("audit-url", defaults.GetString("audit.url"), "Attribution store base URL (empty disables mirroring)")
	cmd.PersistentFlags().String("audit-author", defaults.GetString("audit.author"), "Author name used for attribution commits")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "store.debounce_ms", "store-debounce-ms")
	bindFlag(cmd, "audit.url", "audit-url")
	bindFlag(cmd, "audit.author", "audit-author")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	recordStore, err := track.NewStore(track.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var auditSink session.AuditSink
	if appConfig.AuditURL != "" {
		auditStore, auditErr := gitaudit.NewHTTPStore(appConfig.AuditURL, nil)
		if auditErr != nil {
			return auditErr
		}
		auditSink = gitaudit.NewRecordSink(auditStore, appConfig.AuditAuthor, logger)
	}

	sessions, err := session.NewManager(session.ManagerConfig{
		Store:         recordStore,
		Clock:         time.Now,
		IDProvider:    session.NewUUIDProvider(),
		Logger:        logger,
		StoreDebounce: appConfig.StoreDebounce,
		Audit:         auditSink,
	})
	if err != nil {
		return err
	}

	registryService, err := registry.NewService(registry.ServiceConfig{
		Store:  recordStore,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry: registryService,
		Sessions: sessions,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		sessions.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
