package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/internal/auth"
	"github.com/MarcoPoloResearchLab/murmur/internal/config"
	"github.com/MarcoPoloResearchLab/murmur/internal/database"
	"github.com/MarcoPoloResearchLab/murmur/internal/logging"
	"github.com/MarcoPoloResearchLab/murmur/internal/membership"
	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
	"github.com/MarcoPoloResearchLab/murmur/internal/realtime"
	"github.com/MarcoPoloResearchLab/murmur/internal/server"
	"github.com/MarcoPoloResearchLab/murmur/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "murmur-api",
		Short: "Murmur chat backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newMembersCommand())
	rootCmd.AddCommand(newTokenCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite event log path")
	flags.String("membership-path", defaults.GetString("membership.path"), "bbolt membership database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Duration("recall-window", defaults.GetDuration("messages.recall_window"), "How long authors may recall a message")
	flags.String("timezone", defaults.GetString("messages.timezone"), "Default timezone for grouping history by date")
	flags.StringSlice("allowed-origins", nil, "Origins allowed for CORS and websocket upgrades")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "membership.path", "membership-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "messages.recall_window", "recall-window")
	bindFlag(cmd, "messages.timezone", "timezone")
	bindFlag(cmd, "realtime.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("murmur")
		viper.AddConfigPath(".")
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

	members, err := membership.OpenStore(membership.StoreConfig{
		Path:   appConfig.MembershipPath,
		Logger: logger.Named("membership"),
	})
	if err != nil {
		return err
	}
	defer members.Close()

	eventLog, err := messages.NewStore(messages.StoreConfig{
		Database:    db,
		Logger:      logger.Named("event_log"),
		MaxPageSize: appConfig.MaxPageSize,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := realtime.NewRegistry(members)
	dispatcher, err := realtime.NewDispatcher(realtime.DispatcherConfig{
		Registry:    registry,
		Membership:  members,
		History:     eventLog,
		Logger:      logger.Named("dispatcher"),
		Workers:     appConfig.DispatchWorkers,
		QueueSize:   appConfig.DispatchQueueSize,
		CatchupSize: appConfig.CatchupSize,
	})
	if err != nil {
		return err
	}
	dispatcher.Start(signalCtx)
	defer dispatcher.Stop()

	messageService, err := messages.NewService(messages.ServiceConfig{
		EventLog:     eventLog,
		Membership:   members,
		Profiles:     userService,
		Notifier:     dispatcher,
		Clock:        time.Now,
		IDProvider:   messages.NewUUIDProvider(),
		Logger:       logger.Named("messages"),
		RecallWindow: appConfig.RecallWindow,
		PageSize:     appConfig.PageSize,
		Location:     appConfig.Location,
	})
	if err != nil {
		return err
	}

	hub, err := realtime.NewHub(registry, dispatcher, messageService, logger.Named("realtime"))
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	limiter := server.NewRateLimiter(server.RateLimiterConfig{
		PerSecond: appConfig.MessagesPerSecond,
		Burst:     appConfig.MessageBurst,
	})
	defer limiter.Shutdown()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       validator,
		Users:          userService,
		Messages:       messageService,
		Conversations:  members,
		Publisher:      dispatcher,
		Realtime:       hub,
		Limiter:        limiter,
		AllowedOrigins: appConfig.AllowedOrigins,
		SendBuffer:     appConfig.SendBuffer,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Duration("recall_window", appConfig.RecallWindow))
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
