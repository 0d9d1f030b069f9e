package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"promptrelay/internal/config"
	"promptrelay/internal/models"
	"promptrelay/internal/provider"
	"promptrelay/internal/router"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	// writeSlack is added to the stream timeout so the relay, not the
	// listener, decides when a slow stream ends.
	writeSlack = 30 * time.Second
)

type Server struct {
	cfg      config.Config
	router   *router.Router
	registry *provider.Registry
	app      *echo.Echo
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, registry *provider.Registry) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = plainTextErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:      cfg,
		router:   rt,
		registry: registry,
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.registry.Services())
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.writeTimeout(),
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		if err := s.router.Drain(shutdownCtx); err != nil {
			return fmt.Errorf("waiting for completion hooks: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// writeTimeout is unbounded when streams are.
func (s *Server) writeTimeout() time.Duration {
	if d := s.cfg.Server.StreamTimeout.Std(); d > 0 {
		return d + writeSlack
	}
	return 0
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.app.POST("/invoke", s.handleInvoke)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"services": s.registry.Services(),
	})
}

func (s *Server) handleInvoke(c echo.Context) error {
	req, err := decodeRequestBody(c)
	if err != nil {
		var reqErr requestError
		if errors.As(err, &reqErr) {
			return c.String(reqErr.Status, router.ErrorPrefix+reqErr.Message)
		}
		return err
	}

	out := newResponseStream(c.Response())
	if _, err := s.router.Dispatch(c.Request().Context(), req, out); err != nil {
		slog.Debug("invocation ended with error", "id", c.Response().Header().Get(echo.HeaderXRequestID), "err", err)
	}
	return nil
}

// decodeRequestBody returns a nil request for an absent or empty body.
func decodeRequestBody(c echo.Context) (*models.Request, error) {
	req := c.Request()
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	var target models.Request
	decoder := json.NewDecoder(req.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return nil, requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
		}
	}
	return &target, nil
}

type requestError struct {
	Status  int
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

func plainTextErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.String(he.Code, router.ErrorPrefix+fmt.Sprint(he.Message))
		return
	}

	slog.Error("unhandled error", "err", err)
	_ = c.String(http.StatusInternalServerError, router.ErrorPrefix+"internal server error")
}

func printStartupBanner(port int, services []models.Service) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("promptrelay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Printf("Services: %v\n", services)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  POST /invoke")
	fmt.Printf("Example:\n  curl -N http://%s:%d/invoke -H 'Content-Type: application/json' -d '{\"systemPrompt\":\"You are helpful.\",\"queryPrompt\":\"Hi\"}'\n\n", host, port)
}
