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

	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/bank"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/config"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/database"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/server"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sibisa-api",
		Short: "SIBISA waste bank backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, err := cmd.Flags().GetString("operator")
			if err != nil {
				return err
			}
			return runIssueToken(cmd.Context(), cmd, operator)
		},
	}
	tokenCmd.Flags().String("operator", "", "Operator name recorded as the token subject")
	rootCmd.AddCommand(tokenCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Recompute every customer's running total from its deposits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), cmd)
		},
	})

	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Operator token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")
	cmd.PersistentFlags().String("reconcile-schedule", defaults.GetString("reconcile.schedule"), "Cron spec for total reconciliation (empty disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "reconcile.schedule", "reconcile-schedule")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// A local .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

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

// runtimeDeps holds what every subcommand shares once configuration is loaded.
type runtimeDeps struct {
	config config.AppConfig
	logger *zap.Logger
	tokens *auth.TokenIssuer
}

func loadRuntime() (runtimeDeps, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return runtimeDeps{}, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return runtimeDeps{}, err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return runtimeDeps{}, err
	}

	return runtimeDeps{config: appConfig, logger: logger, tokens: tokenIssuer}, nil
}

func openBank(runtime runtimeDeps, notifier bank.ChangeNotifier) (*bank.Service, *gorm.DB, error) {
	db, err := database.OpenSQLite(runtime.config.DatabasePath, runtime.logger)
	if err != nil {
		return nil, nil, err
	}

	documentStore, err := store.New(store.Config{
		Database:    db,
		Clock:       time.Now,
		KeyProvider: store.NewUUIDProvider(),
		Logger:      runtime.logger,
	})
	if err != nil {
		return nil, db, err
	}

	bankService, err := bank.NewService(bank.ServiceConfig{
		Store:    documentStore,
		Clock:    time.Now,
		Notifier: notifier,
		Logger:   runtime.logger,
	})
	if err != nil {
		return nil, db, err
	}
	return bankService, db, nil
}

func closeDatabase(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func runServer(ctx context.Context) error {
	runtime, err := loadRuntime()
	if err != nil {
		return err
	}
	logger := runtime.logger
	defer logger.Sync() //nolint:errcheck

	dispatcher := server.NewRealtimeDispatcher()
	bankService, db, err := openBank(runtime, dispatcher)
	defer closeDatabase(db)
	if err != nil {
		return err
	}

	var reconcileStatus server.ReconcileStatus
	if runtime.config.ReconcileSchedule != "" {
		scheduler, err := jobs.NewReconcileScheduler(jobs.ReconcileSchedulerConfig{
			Reconciler: bankService,
			Schedule:   runtime.config.ReconcileSchedule,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		scheduler.Start()
		reconcileStatus = scheduler
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			scheduler.Stop(stopCtx)
		}()
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator:  runtime.tokens,
		BankService:     bankService,
		Realtime:        dispatcher,
		Logger:          logger,
		ReconcileStatus: reconcileStatus,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              runtime.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", runtime.config.HTTPAddress))
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

func runIssueToken(ctx context.Context, cmd *cobra.Command, operator string) error {
	runtime, err := loadRuntime()
	if err != nil {
		return err
	}
	defer runtime.logger.Sync() //nolint:errcheck

	token, expiresIn, err := runtime.tokens.IssueOperatorToken(ctx, operator)
	if err != nil {
		return err
	}
	runtime.logger.Info("operator token issued",
		zap.String("operator", operator),
		zap.Int64("expires_in", expiresIn))
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}

func runReconcile(ctx context.Context, cmd *cobra.Command) error {
	runtime, err := loadRuntime()
	if err != nil {
		return err
	}
	defer runtime.logger.Sync() //nolint:errcheck

	bankService, db, err := openBank(runtime, nil)
	defer closeDatabase(db)
	if err != nil {
		return err
	}

	results, err := bankService.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	drifted := 0
	for _, result := range results {
		if !result.Drifted() {
			continue
		}
		drifted++
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.3f -> %.3f\n", result.CustomerID, result.Previous, result.Recomputed); err != nil {
			return err
		}
	}
	runtime.logger.Info("reconciliation finished",
		zap.Int("customers", len(results)),
		zap.Int("drifted", drifted))
	return nil
}
