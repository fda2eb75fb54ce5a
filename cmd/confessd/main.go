package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vzoelfess/confessd/internal/audit"
	"github.com/vzoelfess/confessd/internal/auth"
	"github.com/vzoelfess/confessd/internal/cache"
	"github.com/vzoelfess/confessd/internal/config"
	"github.com/vzoelfess/confessd/internal/database"
	"github.com/vzoelfess/confessd/internal/engine"
	"github.com/vzoelfess/confessd/internal/logging"
	"github.com/vzoelfess/confessd/internal/ratelimit"
	"github.com/vzoelfess/confessd/internal/server"
	"github.com/vzoelfess/confessd/internal/settings"
	"github.com/vzoelfess/confessd/internal/stats"
	"github.com/vzoelfess/confessd/internal/submissions"
	"github.com/vzoelfess/confessd/internal/submitters"
	"github.com/vzoelfess/confessd/internal/volatile"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "confessd",
		Short: "Anonymous confession moderation engine",
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
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address (empty disables the volatile tier)")
	cmd.PersistentFlags().Int("per-hour", defaults.GetInt("limits.per_hour"), "Submissions allowed per sliding hour")
	cmd.PersistentFlags().Int("per-day", defaults.GetInt("limits.per_day"), "Submissions allowed per UTC day")
	cmd.PersistentFlags().Int("cooldown-minutes", defaults.GetInt("limits.cooldown_minutes"), "Cooldown between submissions in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Moderation signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "limits.per_hour", "per-hour")
	bindFlag(cmd, "limits.per_day", "per-day")
	bindFlag(cmd, "limits.cooldown_minutes", "cooldown-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "moderation.signing_secret", "signing-secret")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger,
		&submitters.Submitter{},
		&submissions.Submission{},
		&ratelimit.DailyCounter{},
		&stats.HashtagStat{},
		&audit.Event{},
		&settings.Setting{},
	)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	health := volatile.NewHealth(logger)
	var tier volatile.Store
	if appConfig.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		tier, err = volatile.NewRedisStore(volatile.RedisStoreConfig{
			Client:  client,
			Timeout: appConfig.TierTimeout,
		})
		if err != nil {
			return err
		}
		logger.Info("volatile tier configured", zap.String("address", appConfig.RedisAddress))
	} else {
		logger.Warn("no volatile tier configured; hourly limit enforcement disabled")
	}

	coordinator := cache.NewCoordinator(cache.CoordinatorConfig{
		Store:  tier,
		Health: health,
		Logger: logger,
	})

	limiter, err := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Database: db,
		Store:    tier,
		Health:   health,
		Logger:   logger,
		HourCap:  appConfig.HourCap,
		DayCap:   appConfig.DayCap,
		Window:   appConfig.Window,
		Cooldown: appConfig.Cooldown,
	})
	if err != nil {
		return err
	}

	submitterService, err := submitters.NewService(submitters.ServiceConfig{
		Database: db,
		Cache:    coordinator,
	})
	if err != nil {
		return err
	}

	tracker, err := stats.NewTracker(stats.TrackerConfig{
		Database: db,
		Cache:    coordinator,
		Degraded: limiter.Degraded,
	})
	if err != nil {
		return err
	}

	submissionService, err := submissions.NewService(submissions.ServiceConfig{
		Database: db,
		Tracker:  tracker,
		Cache:    coordinator,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	settingsService, err := settings.NewService(settings.ServiceConfig{
		Database: db,
		Cache:    coordinator,
	})
	if err != nil {
		return err
	}

	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer recorder.Close()

	core, err := engine.New(engine.Config{
		Limiter:     limiter,
		Submitters:  submitterService,
		Submissions: submissionService,
		Maintenance: settingsService,
		Audit:       recorder,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.ModeratorSecret),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:      core,
		Tokens:      tokenIssuer,
		Submissions: submissionService,
		Submitters:  submitterService,
		Tracker:     tracker,
		Settings:    settingsService,
		Audit:       recorder,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go core.Run(signalCtx)
	go drainNotifications(signalCtx, core, logger)

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

// drainNotifications logs outcomes until a chat-transport adapter subscribes
// in its place.
func drainNotifications(ctx context.Context, core *engine.Engine, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-core.Notifications():
			logger.Info("notification",
				zap.String("kind", string(notification.Kind)),
				zap.Int64("submitter_id", notification.SubmitterID),
				zap.Int64("submission_id", notification.SubmissionID),
				zap.String("reason", notification.Reason))
		}
	}
}
