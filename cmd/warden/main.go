package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wardenbot/warden/behavior/store"
	"github.com/wardenbot/warden/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "warden",
		Usage:   "chat server behavior automation daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string for rules, sessions, and tickets",
			Value:   "sqlite://data/warden/warden.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"WARDEN_MAX_DB_CONNECTIONS", "MAX_METADB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"WARDEN_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: text or json",
			EnvVars: []string{"WARDEN_LOG_FMT", "LOG_FMT"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		return err
	}

	app.Commands = []*cli.Command{
		runCmd,
		migrateCmd,
		rulesCmd,
	}

	return app.Run(args)
}

func openStore(cctx *cli.Context) (*store.Store, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return nil, err
	}
	return store.NewStore(db, slog.Default()), nil
}

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "create or update database tables",
	Action: func(cctx *cli.Context) error {
		st, err := openStore(cctx)
		if err != nil {
			return err
		}
		if err := st.Migrate(cctx.Context); err != nil {
			return err
		}
		slog.Info("database migrated")
		return nil
	},
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the admin HTTP API",
			Value:   ":3999",
			EnvVars: []string{"WARDEN_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"WARDEN_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token required by the admin API; empty disables auth",
			EnvVars: []string{"WARDEN_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "gateway-host",
			Usage:   "websocket host of the chat platform gateway (eg, wss://gateway.example.com)",
			EnvVars: []string{"WARDEN_GATEWAY_HOST"},
		},
		&cli.StringFlag{
			Name:    "platform-host",
			Usage:   "method, hostname, and port of the chat platform bot API",
			EnvVars: []string{"WARDEN_PLATFORM_HOST"},
		},
		&cli.StringFlag{
			Name:    "platform-token",
			Usage:   "bot token for the chat platform gateway and API",
			EnvVars: []string{"WARDEN_PLATFORM_TOKEN"},
		},
		&cli.Float64Flag{
			Name:    "platform-rate-limit",
			Usage:   "max requests per second to the chat platform API (0 for unlimited)",
			Value:   20,
			EnvVars: []string{"WARDEN_PLATFORM_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "analysis-host",
			Usage:   "method, hostname, and port of the content analysis service",
			EnvVars: []string{"WARDEN_ANALYSIS_HOST"},
		},
		&cli.StringFlag{
			Name:    "analysis-token",
			Usage:   "bearer token for the content analysis service",
			EnvVars: []string{"WARDEN_ANALYSIS_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for counters and caches; in-process memory when unset",
			EnvVars: []string{"WARDEN_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook to notify about new moderator tickets",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "ticket-url-format",
			Usage:   "link to a ticket in the moderation dashboard; %s is replaced with the ticket id",
			EnvVars: []string{"WARDEN_TICKET_URL_FORMAT"},
		},
		&cli.IntFlag{
			Name:    "destructive-quota",
			Usage:   "max timeouts, kicks, and bans per server per day",
			Value:   50,
			EnvVars: []string{"WARDEN_DESTRUCTIVE_QUOTA"},
		},
		&cli.IntFlag{
			Name:    "max-concurrent-firings",
			Usage:   "max rule firings in progress at once",
			Value:   64,
			EnvVars: []string{"WARDEN_MAX_CONCURRENT_FIRINGS"},
		},
		&cli.IntFlag{
			Name:    "max-queued-firings",
			Usage:   "rule firings waiting for a free slot; further firings are dropped",
			Value:   4096,
			EnvVars: []string{"WARDEN_MAX_QUEUED_FIRINGS"},
		},
		&cli.IntFlag{
			Name:    "max-sessions-per-server",
			Usage:   "max active tracking sessions per server",
			Value:   500,
			EnvVars: []string{"WARDEN_MAX_SESSIONS_PER_SERVER"},
		},
		&cli.DurationFlag{
			Name:    "session-retention",
			Usage:   "how long ended tracking sessions are kept in the database",
			Value:   7 * 24 * time.Hour,
			EnvVars: []string{"WARDEN_SESSION_RETENTION"},
		},
		&cli.DurationFlag{
			Name:    "reload-interval",
			Usage:   "periodic rule reload interval (0 to only reload via the admin API)",
			Value:   5 * time.Minute,
			EnvVars: []string{"WARDEN_RELOAD_INTERVAL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := slog.Default()

		shutdownOTEL, err := configOTEL("warden")
		if err != nil {
			return fmt.Errorf("configuring tracing: %w", err)
		}
		defer shutdownOTEL()

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}

		srv, err := NewServer(db, Config{
			Logger:               logger,
			GatewayHost:          cctx.String("gateway-host"),
			PlatformHost:         cctx.String("platform-host"),
			PlatformToken:        cctx.String("platform-token"),
			PlatformRateLimit:    cctx.Float64("platform-rate-limit"),
			AnalysisHost:         cctx.String("analysis-host"),
			AnalysisToken:        cctx.String("analysis-token"),
			RedisURL:             cctx.String("redis-url"),
			SlackWebhookURL:      cctx.String("slack-webhook-url"),
			TicketURLFormat:      cctx.String("ticket-url-format"),
			AdminToken:           cctx.String("admin-token"),
			DestructiveQuota:     cctx.Int("destructive-quota"),
			MaxConcurrentFirings: cctx.Int("max-concurrent-firings"),
			MaxQueuedFirings:     cctx.Int("max-queued-firings"),
			MaxSessionsPerServer: cctx.Int("max-sessions-per-server"),
			SessionRetention:     cctx.Duration("session-retention"),
			ReloadInterval:       cctx.Duration("reload-interval"),
		})
		if err != nil {
			return err
		}
		if err := srv.store.Migrate(ctx); err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		httpd := &http.Server{
			Addr:              cctx.String("bind"),
			Handler:           srv.echo,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      time.Minute,
		}
		go func() {
			logger.Info("starting admin API", "bind", httpd.Addr)
			if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin HTTP server shutting down unexpectedly", "err", err)
			}
		}()

		runErr := srv.Run(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpd.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin HTTP server shutdown error", "err", err)
		}
		if runErr != nil {
			return fmt.Errorf("failed to run warden service: %w", runErr)
		}
		logger.Info("graceful shutdown complete")
		return nil
	},
}
