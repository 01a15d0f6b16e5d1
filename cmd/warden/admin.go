package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/engine"
	"github.com/wardenbot/warden/behavior/platform"
	"github.com/wardenbot/warden/behavior/tracking"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Message string `json:"msg,omitempty"`
}

type ReloadResponse struct {
	Loaded    int               `json:"loaded"`
	Scheduled int               `json:"scheduled"`
	Errors    map[string]string `json:"errors,omitempty"`
}

type RuleListResponse struct {
	Rules      []bdl.RuleDefinition `json:"rules"`
	LoadErrors map[string]string    `json:"loadErrors,omitempty"`
}

type SessionView struct {
	ID          string                 `json:"id"`
	RuleID      string                 `json:"ruleId"`
	ExecutionID string                 `json:"executionId"`
	ServerID    string                 `json:"serverId"`
	Target      tracking.Target        `json:"target"`
	Status      tracking.Status        `json:"status"`
	StartedAt   time.Time              `json:"startedAt"`
	ExpiresAt   time.Time              `json:"expiresAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	StopReason  string                 `json:"stopReason,omitempty"`
	Data        tracking.CollectedData `json:"data"`
}

func sessionView(s tracking.Session) SessionView {
	return SessionView{
		ID:          s.ID,
		RuleID:      s.RuleID,
		ExecutionID: s.ExecutionID,
		ServerID:    s.ServerID,
		Target:      s.Target,
		Status:      s.Status,
		StartedAt:   s.StartedAt,
		ExpiresAt:   s.ExpiresAt,
		CompletedAt: s.CompletedAt,
		StopReason:  s.StopReason,
		Data:        s.Data,
	}
}

// registers collectors on the default registry, which only accepts them once per process
var metricsMiddleware = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("warden")
})

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(metricsMiddleware())
	e.Use(otelecho.Middleware("warden"))
	e.Use(middleware.BodyLimit("4M"))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.HandleHealthCheck)

	admin := e.Group("/admin")
	if s.adminToken != "" {
		admin.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(s.adminToken)) == 1, nil
		}))
	}
	admin.GET("/stats", s.HandleStats)
	admin.POST("/rules/reload", s.HandleReload)
	admin.GET("/rules", s.HandleListRules)
	admin.GET("/rules/:id", s.HandleGetRule)
	admin.PUT("/rules/:id", s.HandlePutRule)
	admin.POST("/rules/:id/enable", s.HandleSetEnabled(true))
	admin.POST("/rules/:id/disable", s.HandleSetEnabled(false))
	admin.DELETE("/rules/:id", s.HandleDeleteRule)
	admin.GET("/sessions", s.HandleListSessions)
	admin.GET("/sessions/:id", s.HandleGetSession)
	admin.POST("/sessions/:id/stop", s.HandleStopSession)
	admin.GET("/tickets", s.HandleListTickets)
	admin.POST("/servers/:server/signals/:name", s.HandleFireSignal)
	admin.POST("/servers/:server/events", s.HandlePublishEvent)
	return e
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if code >= 500 {
		s.logger.Warn("admin-http-internal-error", "err", err, "path", c.Path())
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": http.StatusText(code), "message": msg})
	}
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	status := GenericStatus{Status: "ok", Daemon: "warden", Version: versioninfo.Short()}
	sqldb, err := s.db.DB()
	if err == nil {
		err = sqldb.PingContext(c.Request().Context())
	}
	if err != nil {
		s.logger.Error("health check: database unavailable", "err", err)
		status.Status = "error"
		status.Message = "database not available"
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(c.Request().Context()).Err(); err != nil {
			s.logger.Error("health check: redis unavailable", "err", err)
			status.Status = "error"
			status.Message = "redis not available"
			return c.JSON(http.StatusServiceUnavailable, status)
		}
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Stats())
}

func reloadResponse(r engine.ReloadReport) ReloadResponse {
	out := ReloadResponse{Loaded: r.Loaded, Scheduled: r.Scheduled}
	if len(r.Errors) > 0 {
		out.Errors = r.ErrorMessages()
	}
	return out
}

func (s *Server) HandleReload(c echo.Context) error {
	report, err := s.engine.Reload(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, reloadResponse(report))
}

func (s *Server) HandleListRules(c echo.Context) error {
	rules, loadErrs, err := s.store.ListRules(c.Request().Context(), c.QueryParam("enabled") == "true")
	if err != nil {
		return err
	}
	out := RuleListResponse{Rules: rules}
	if out.Rules == nil {
		out.Rules = []bdl.RuleDefinition{}
	}
	if len(loadErrs) > 0 {
		out.LoadErrors = make(map[string]string, len(loadErrs))
		for _, le := range loadErrs {
			out.LoadErrors[le.RuleID] = le.Err.Error()
		}
	}
	return c.JSON(http.StatusOK, out)
}

func ruleError(err error) error {
	var le *bdl.LoadError
	switch {
	case errors.Is(err, bdl.ErrRuleNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "rule not found")
	case errors.As(err, &le):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, le.Error())
	}
	return err
}

func (s *Server) HandleGetRule(c echo.Context) error {
	rule, err := s.store.GetRule(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ruleError(err)
	}
	return c.JSON(http.StatusOK, rule)
}

// Creates or replaces a rule, then reloads. The rule must pass structural validation; syntax errors
// in conditions or cron expressions are reported by the reload.
func (s *Server) HandlePutRule(c echo.Context) error {
	var rule bdl.RuleDefinition
	if err := c.Bind(&rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rule.ID = c.Param("id")
	if err := rule.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if err := s.store.SaveRule(ctx, &rule); err != nil {
		return err
	}
	report, err := s.engine.Reload(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, reloadResponse(report))
}

func (s *Server) HandleSetEnabled(enabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if err := s.store.SetEnabled(ctx, c.Param("id"), enabled); err != nil {
			return ruleError(err)
		}
		report, err := s.engine.Reload(ctx)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, reloadResponse(report))
	}
}

func (s *Server) HandleDeleteRule(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.store.DeleteRule(ctx, c.Param("id")); err != nil {
		return ruleError(err)
	}
	report, err := s.engine.Reload(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, reloadResponse(report))
}

func (s *Server) HandleListSessions(c echo.Context) error {
	active := s.tracker.Active(c.QueryParam("server"))
	out := make([]SessionView, 0, len(active))
	for _, sess := range active {
		out = append(out, sessionView(sess))
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) HandleGetSession(c echo.Context) error {
	sess, err := s.tracker.Get(c.Request().Context(), c.Param("id"))
	if tracking.IsNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "tracking session not found")
	} else if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessionView(sess))
}

func (s *Server) HandleStopSession(c echo.Context) error {
	ctx := c.Request().Context()
	reason := c.QueryParam("reason")
	if reason == "" {
		reason = "stopped by admin"
	}
	err := s.tracker.Stop(ctx, c.Param("id"), reason)
	if tracking.IsNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "tracking session not found")
	} else if err != nil {
		return err
	}
	sess, err := s.tracker.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessionView(sess))
}

func (s *Server) HandleListTickets(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = min(n, 1000)
	}
	tickets, err := s.store.ListTickets(c.Request().Context(), c.QueryParam("server"), c.QueryParam("status"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"tickets": tickets})
}

// Fires custom-trigger rules. The request body is the signal payload.
func (s *Server) HandleFireSignal(c echo.Context) error {
	payload := map[string]any{}
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signal payload: "+err.Error())
	}
	// firings outlive the request
	ctx := context.WithoutCancel(c.Request().Context())
	n := s.engine.FireCustom(ctx, c.Param("server"), c.Param("name"), payload)
	return c.JSON(http.StatusOK, map[string]int{"fired": n})
}

// Injects a platform event onto the bus, as if it had arrived from the gateway.
func (s *Server) HandlePublishEvent(c echo.Context) error {
	var ev platform.Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if ev.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event name is required")
	}
	ev.ServerID = c.Param("server")
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.bus.Publish(context.WithoutCancel(c.Request().Context()), &ev)
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}
