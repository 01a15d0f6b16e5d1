package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/wardenbot/warden/behavior/action"
	"github.com/wardenbot/warden/behavior/analysis"
	"github.com/wardenbot/warden/behavior/cachestore"
	"github.com/wardenbot/warden/behavior/countstore"
	"github.com/wardenbot/warden/behavior/engine"
	"github.com/wardenbot/warden/behavior/notify"
	"github.com/wardenbot/warden/behavior/platform"
	"github.com/wardenbot/warden/behavior/scheduler"
	"github.com/wardenbot/warden/behavior/store"
	"github.com/wardenbot/warden/behavior/tracking"
	"github.com/wardenbot/warden/util"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Server struct {
	logger    *slog.Logger
	db        *gorm.DB
	rdb       *redis.Client
	store     *store.Store
	bus       *platform.Bus
	gateway   *platform.Gateway
	tracker   *tracking.Manager
	scheduler *scheduler.Scheduler
	engine    *engine.Engine
	echo      *echo.Echo

	adminToken       string
	sessionRetention time.Duration
	reloadInterval   time.Duration
}

type Config struct {
	Logger               *slog.Logger
	GatewayHost          string
	PlatformHost         string
	PlatformToken        string
	PlatformRateLimit    float64
	AnalysisHost         string
	AnalysisToken        string
	RedisURL             string
	SlackWebhookURL      string
	TicketURLFormat      string
	AdminToken           string
	DestructiveQuota     int
	MaxConcurrentFirings int
	MaxQueuedFirings     int
	MaxSessionsPerServer int
	SessionRetention     time.Duration
	ReloadInterval       time.Duration
}

func NewServer(db *gorm.DB, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	var rdb *redis.Client
	var counters countstore.CountStore
	var cache cachestore.CacheStore
	if config.RedisURL != "" {
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		// check redis connection
		if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}
		counters = countstore.NewRedisCountStore(rdb)
		cache = cachestore.NewRedisCacheStore(rdb, 30*time.Minute)
	} else {
		counters = countstore.NewMemCountStore()
		cache = cachestore.NewMemCacheStore(5_000, 30*time.Minute)
	}

	st := store.NewStore(db, logger)
	bus := platform.NewBus(logger)
	waiter := platform.NewReplyWaiter()
	waiter.Attach(bus)

	client := platform.NewClient(platform.ClientConfig{
		Host:      config.PlatformHost,
		Token:     config.PlatformToken,
		Waiter:    waiter,
		Logger:    logger,
		RateLimit: config.PlatformRateLimit,
	})

	tracker := tracking.NewManager(tracking.Config{
		Logger:               logger,
		Store:                st,
		MaxSessionsPerServer: config.MaxSessionsPerServer,
	})

	var notifier action.Notifier
	if config.SlackWebhookURL != "" {
		logger.Info("configuring slack ticket notifications")
		notifier = &notify.SlackNotifier{
			SlackWebhookURL: config.SlackWebhookURL,
			TicketURLFormat: config.TicketURLFormat,
			Client:          util.RobustHTTPClient(),
			Logger:          logger,
		}
	}

	executor := action.NewExecutor(action.Config{
		Logger:                 logger,
		Platform:               client,
		Tickets:                st,
		Notifier:               notifier,
		Tracker:                tracker,
		Quota:                  counters,
		DestructiveQuotaPerDay: config.DestructiveQuota,
	})

	var analyzer engine.Analyzer
	if config.AnalysisHost != "" {
		logger.Info("configuring content analysis", "host", config.AnalysisHost)
		analyzer = analysis.NewClient(analysis.Config{
			Host:   config.AnalysisHost,
			Token:  config.AnalysisToken,
			Cache:  cache,
			Logger: logger,
		})
	}

	sched := scheduler.New(logger)
	eng := engine.NewEngine(engine.Config{
		Logger:               logger,
		Rules:                st,
		Executor:             executor,
		Tracker:              tracker,
		Analyzer:             analyzer,
		Scheduler:            sched,
		Counters:             counters,
		MaxConcurrentFirings: config.MaxConcurrentFirings,
		MaxQueuedFirings:     config.MaxQueuedFirings,
	})

	// sessions see an event before any firing it causes
	tracker.Subscribe(bus)
	eng.Subscribe(bus)

	s := &Server{
		logger:           logger,
		db:               db,
		rdb:              rdb,
		store:            st,
		bus:              bus,
		tracker:          tracker,
		scheduler:        sched,
		engine:           eng,
		adminToken:       config.AdminToken,
		sessionRetention: config.SessionRetention,
		reloadInterval:   config.ReloadInterval,
	}
	if config.GatewayHost != "" {
		s.gateway = platform.NewGateway(config.GatewayHost, config.PlatformToken, bus, logger)
	} else {
		logger.Warn("no gateway host configured; only custom and scheduled triggers will fire")
	}
	s.echo = s.newEcho()
	return s, nil
}

func (s *Server) RunMetrics(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, mux)
}

// Recovers tracking sessions, loads rules, and runs every background loop until ctx is done.
// In-flight rule firings are drained before returning.
func (s *Server) Run(ctx context.Context) error {
	n, err := s.tracker.Recover(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("tracking sessions recovered", "active", n)

	if _, err := s.engine.Reload(ctx); err != nil {
		return err
	}

	s.scheduler.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.scheduler.Stop(stopCtx)
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.tracker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return s.engine.Run(ctx)
	})
	if s.gateway != nil {
		g.Go(func() error {
			return s.gateway.Run(ctx)
		})
	}
	g.Go(func() error {
		return s.runMaintenance(ctx)
	})

	err = g.Wait()
	s.logger.Info("waiting for in-flight rule firings")
	s.engine.Wait()
	if s.rdb != nil {
		if cerr := s.rdb.Close(); cerr != nil {
			s.logger.Warn("closing redis client", "err", cerr)
		}
	}
	return err
}

// Periodically reloads rules, and purges ended tracking sessions past the retention window.
func (s *Server) runMaintenance(ctx context.Context) error {
	var reload <-chan time.Time
	if s.reloadInterval > 0 {
		t := time.NewTicker(s.reloadInterval)
		defer t.Stop()
		reload = t.C
	}
	purge := time.NewTicker(time.Hour)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reload:
			if _, err := s.engine.Reload(ctx); err != nil {
				// previous rule set stays active
				s.logger.Error("periodic rule reload failed", "err", err)
			}
		case <-purge.C:
			if s.sessionRetention <= 0 {
				continue
			}
			n, err := s.store.PurgeSessions(ctx, time.Now().Add(-s.sessionRetention))
			if err != nil {
				s.logger.Error("failed to purge ended tracking sessions", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("purged ended tracking sessions", "count", n)
			}
		}
	}
}
