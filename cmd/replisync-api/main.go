package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/replisync/internal/auth"
	"github.com/MarcoPoloResearchLab/replisync/internal/config"
	"github.com/MarcoPoloResearchLab/replisync/internal/cvr"
	"github.com/MarcoPoloResearchLab/replisync/internal/database"
	"github.com/MarcoPoloResearchLab/replisync/internal/logging"
	"github.com/MarcoPoloResearchLab/replisync/internal/poke"
	"github.com/MarcoPoloResearchLab/replisync/internal/replicache"
	"github.com/MarcoPoloResearchLab/replisync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var cfgFile string

type flagBinding struct {
	key   string
	flag  string
	usage string
}

var flagBindings = []flagBinding{
	{key: "http.address", flag: "http-address", usage: "HTTP listen address"},
	{key: "database.driver", flag: "database-driver", usage: "Database driver (sqlite, postgres)"},
	{key: "database.dsn", flag: "database-dsn", usage: "Database DSN or SQLite path"},
	{key: "database.max_transaction_attempts", flag: "max-transaction-attempts", usage: "Attempts per transaction on serialization conflicts"},
	{key: "log.level", flag: "log-level", usage: "Log level (debug, info, warn, error)"},
	{key: "log.file", flag: "log-file", usage: "Rotating log file path (stderr only when empty)"},
	{key: "auth.signing_secret", flag: "signing-secret", usage: "Session signing secret (enables token identity)"},
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "replisync-api",
		Short:        "Replicache push/pull sync server",
		SilenceUsage: true,
		PreRunE:      func(*cobra.Command, []string) error { return initConfig() },
		RunE:         func(cmd *cobra.Command, _ []string) error { return runServer(cmd.Context()) },
	}

	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	for _, binding := range flagBindings {
		flags.String(binding.flag, defaults.GetString(binding.key), binding.usage)
		if err := viper.BindPFlag(binding.key, flags.Lookup(binding.flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
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

	logger, err := logging.NewLogger(appConfig.Log.Level, logging.FileConfig{
		Path:       appConfig.Log.File,
		MaxSizeMB:  appConfig.Log.MaxSizeMB,
		MaxBackups: appConfig.Log.MaxBackups,
		MaxAgeDays: appConfig.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.Database.Driver, appConfig.Database.DSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	transactor, err := database.NewTransactor(database.TransactorConfig{
		Database:    db,
		MaxAttempts: appConfig.Database.MaxTransactionAttempts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	hub := poke.NewHub()
	syncService, err := replicache.NewService(replicache.ServiceConfig{
		Transactor: transactor,
		Cache: cvr.NewCache(cvr.CacheConfig{
			MaxClientGroups:   appConfig.CVRCache.MaxClientGroups,
			SnapshotsPerGroup: appConfig.CVRCache.SnapshotsPerGroup,
			TTL:               appConfig.CVRCache.TTL,
		}),
		Poker:      hub,
		IDProvider: replicache.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		SyncService: syncService,
		Pokes:       hub,
		Logger:      logger,
	}
	if appConfig.Auth.SessionsEnabled() {
		sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.Auth.SigningSecret),
			Issuer:        appConfig.Auth.Issuer,
			CookieName:    appConfig.Auth.CookieName,
		})
		if err != nil {
			return err
		}
		deps.Sessions = sessions
	} else {
		logger.Warn("session auth disabled, trusting the userID query parameter")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	// poke streams only end when their request context does
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return streamCtx
		},
	}
	httpServer.RegisterOnShutdown(cancelStreams)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
