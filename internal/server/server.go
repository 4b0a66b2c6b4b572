// Package server exposes the operator API: queue inspection, forced scanner
// runs, and allow-list editing.
package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BasedHardware/taskpilot/internal/assistant"
	"github.com/BasedHardware/taskpilot/internal/model"
)

// Queue is the store view the API reads and closes items through.
type Queue interface {
	ListStaged(ctx context.Context, limit int) ([]model.StagedTask, error)
	GetStaged(ctx context.Context, id string) (*model.StagedTask, error)
	ListActionItems(ctx context.Context, status model.TaskStatus, limit int) ([]model.ActionItem, error)
	CompleteActionItem(ctx context.Context, id string) (*float64, error)
	DeleteActionItem(ctx context.Context, id string) (*float64, error)
	CompactScoresAfterRemoval(ctx context.Context, removedScore float64) error
}

// Rescorer forces a prioritization pass.
type Rescorer interface {
	RunNow(ctx context.Context)
}

// Deduper forces a dedup pass.
type Deduper interface {
	Run(ctx context.Context)
}

// Promoter runs promotion sweeps, on demand and on queue-change events.
type Promoter interface {
	RunNow(ctx context.Context)
	OnTaskCompleted(ctx context.Context)
	OnTaskDeleted(ctx context.Context)
}

// Server wires the handlers and their dependencies.
type Server struct {
	Queue     Queue
	Rescorer  Rescorer
	Deduper   Deduper
	Promoter  Promoter
	Assistant assistant.Assistant
	Settings  *assistant.SettingsStore
	Auth      *AuthHandler
	Logger    *log.Logger
}

// Run starts the API and blocks until the listener fails.
func (s *Server) Run(addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.Logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	s.Auth.Register(api.Group("/auth"))

	authed := api.Group("")
	authed.Use(authMiddleware(s.Auth.Secret))
	authed.POST("/frames", s.ingestFrame)
	authed.GET("/staged", s.listStaged)
	authed.GET("/staged/:id", s.getStaged)
	authed.GET("/action-items", s.listActionItems)
	authed.POST("/action-items/:id/complete", s.completeActionItem)
	authed.DELETE("/action-items/:id", s.deleteActionItem)
	authed.POST("/rescore", s.rescore)
	authed.POST("/dedup", s.dedup)
	authed.POST("/promote", s.promote)
	authed.GET("/settings/allowlist", s.getAllowlist)
	authed.PUT("/settings/allowlist", s.putAllowlist)

	s.Logger.Printf("listening on %s", addr)
	return e.Start(addr)
}

type framePayload struct {
	AppName     string `json:"app_name"`
	WindowTitle string `json:"window_title"`
	Image       string `json:"image"`
	Event       string `json:"event"`
	NewApp      string `json:"new_app,omitempty"`
	NewTitle    string `json:"new_window_title,omitempty"`
}

// ingestFrame accepts one captured frame from the external capture client.
// event "context_switch" reports the active window changing away from this
// frame; anything else is a plain observation.
func (s *Server) ingestFrame(c echo.Context) error {
	var req framePayload
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AppName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "app_name is required")
	}
	img, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "image must be base64")
	}
	frame := model.CapturedFrame{
		AppName:     req.AppName,
		WindowTitle: req.WindowTitle,
		Image:       img,
		CapturedAt:  time.Now().UTC(),
	}
	ctx := c.Request().Context()
	if req.Event == "context_switch" {
		s.Assistant.OnContextSwitch(ctx, &frame, req.NewApp, req.NewTitle)
	} else {
		s.Assistant.Analyze(ctx, frame)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) listStaged(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	tasks, err := s.Queue.ListStaged(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) getStaged(c echo.Context) error {
	task, err := s.Queue.GetStaged(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if task == nil {
		return echo.NewHTTPError(http.StatusNotFound, "staged task not found")
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) listActionItems(c echo.Context) error {
	status := model.TaskStatus(c.QueryParam("status"))
	if status == "" {
		status = model.StatusActive
	}
	switch status {
	case model.StatusActive, model.StatusCompleted, model.StatusDeleted:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	items, err := s.Queue.ListActionItems(c.Request().Context(), status, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}

// completeActionItem closes an item, compacts the ranking around its slot and
// lets the promotion scheduler refill the freed capacity.
func (s *Server) completeActionItem(c echo.Context) error {
	ctx := c.Request().Context()
	score, err := s.Queue.CompleteActionItem(ctx, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if score != nil {
		if err := s.Queue.CompactScoresAfterRemoval(ctx, *score); err != nil {
			s.Logger.Printf("compact scores after completion: %v", err)
		}
	}
	go s.Promoter.OnTaskCompleted(context.Background())
	return c.NoContent(http.StatusOK)
}

func (s *Server) deleteActionItem(c echo.Context) error {
	ctx := c.Request().Context()
	score, err := s.Queue.DeleteActionItem(ctx, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if score != nil {
		if err := s.Queue.CompactScoresAfterRemoval(ctx, *score); err != nil {
			s.Logger.Printf("compact scores after deletion: %v", err)
		}
	}
	go s.Promoter.OnTaskDeleted(context.Background())
	return c.NoContent(http.StatusOK)
}

func (s *Server) rescore(c echo.Context) error {
	go s.Rescorer.RunNow(context.Background())
	return c.JSON(http.StatusAccepted, map[string]string{"status": "rescore started"})
}

func (s *Server) dedup(c echo.Context) error {
	go s.Deduper.Run(context.Background())
	return c.JSON(http.StatusAccepted, map[string]string{"status": "dedup started"})
}

func (s *Server) promote(c echo.Context) error {
	go s.Promoter.RunNow(context.Background())
	return c.JSON(http.StatusAccepted, map[string]string{"status": "promotion started"})
}

type allowlistPayload struct {
	AllowedApps     []string `json:"allowed_apps"`
	BrowserApps     []string `json:"browser_apps"`
	BrowserKeywords []string `json:"browser_keywords"`
}

func (s *Server) getAllowlist(c echo.Context) error {
	cur := s.Settings.Load()
	out := allowlistPayload{BrowserKeywords: cur.BrowserKeywords}
	for app := range cur.AllowedApps {
		out.AllowedApps = append(out.AllowedApps, app)
	}
	for app := range cur.BrowserApps {
		out.BrowserApps = append(out.BrowserApps, app)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) putAllowlist(c echo.Context) error {
	var req allowlistPayload
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.Settings.Swap(assistant.NewSettings(req.AllowedApps, req.BrowserApps, req.BrowserKeywords))
	return c.NoContent(http.StatusOK)
}
