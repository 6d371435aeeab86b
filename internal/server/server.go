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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"completion-bridge/internal/bridge"
	"completion-bridge/internal/config"
	"completion-bridge/internal/engine"
	"completion-bridge/internal/router"
	"completion-bridge/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	healthCheckTimeout  = 3 * time.Second
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	app     *echo.Echo
	logger  *slog.Logger
	now     func() time.Time
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, logger *slog.Logger) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		app:     e,
		logger:  logger,
		now:     time.Now,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
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
	printStartupBanner(s.cfg.Server.Port)
	s.logger.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
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
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
}

// breakerStates is implemented by sources guarded with a circuit breaker.
type breakerStates interface {
	States() map[string]string
}

const (
	healthReachable   = "reachable"
	healthUnreachable = "unreachable"
)

type engineHealth struct {
	Name     string            `json:"name"`
	Status   string            `json:"status,omitempty"`
	Error    string            `json:"error,omitempty"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// handleHealth answers 503 when any engine with a health check is unreachable.
func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()

	status, code := "ok", http.StatusOK
	engines := make([]engineHealth, 0)
	for _, src := range s.router.Engines() {
		h := s.checkEngine(ctx, src)
		if h.Status == healthUnreachable {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		engines = append(engines, h)
	}
	return c.JSON(code, map[string]any{"status": status, "engines": engines})
}

func (s *Server) checkEngine(ctx context.Context, src engine.Source) engineHealth {
	h := engineHealth{Name: src.Name()}
	if b, ok := src.(breakerStates); ok {
		h.Breakers = b.States()
	}

	hc, ok := src.(engine.HealthChecker)
	if !ok {
		return h
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err := hc.HealthCheck(ctx)
	switch {
	case err == nil:
		h.Status = healthReachable
	case errors.Is(err, errors.ErrUnsupported):
		// wrapped source has no check
	default:
		s.logger.Warn("engine health check failed", "engine", src.Name(), "err", err)
		h.Status = healthUnreachable
		h.Error = err.Error()
	}
	return h
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.NewModelList(s.router.Models(), s.now().Unix()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	s.logger.Debug("chat completion request",
		"model", req.Model,
		"stream", req.Stream,
		"messages", len(req.Messages),
		"functions", len(req.Functions),
	)

	if req.Stream {
		return s.streamChatCompletion(c, req)
	}

	resp, err := s.router.Chat(ctx, req)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) streamChatCompletion(c echo.Context, req translator.ChatCompletionRequest) error {
	ctx := c.Request().Context()

	session, err := s.router.OpenStream(ctx, req)
	if err != nil {
		return s.toHTTPError(err)
	}

	out, err := newSSEWriter(c)
	if err != nil {
		_ = session.Stream.Close()
		return err
	}

	err = s.router.Relay(ctx, session, out)
	switch {
	case err == nil:
		return nil
	case !out.started:
		return s.toHTTPError(err)
	case errors.Is(err, context.Canceled):
		s.logger.Info("client disconnected mid-stream", "model", session.Model, "engine", session.Engine)
	default:
		s.logger.Error("stream aborted", "model", session.Model, "engine", session.Engine, "err", err)
	}
	return nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    typeInvalidRequest,
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    typeInvalidRequest,
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    typeInvalidRequest,
		}
	}
	return nil
}

const (
	typeInvalidRequest = "invalid_request_error"
	typeUnavailable    = "engine_unavailable"
	typeServer         = "server_error"
)

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func writeError(c echo.Context, status int, message, errType string) error {
	return c.JSON(status, errorBody{Success: false, Message: message, Type: errType})
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var reqErr requestError
		if errors.As(err, &reqErr) {
			_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			_ = writeError(c, he.Code, fmt.Sprint(he.Message), typeInvalidRequest)
			return
		}

		logger.Error("unhandled error", "err", err)
		_ = writeError(c, http.StatusInternalServerError, "internal server error", typeServer)
	}
}

func (s *Server) toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, bridge.ErrInvalidRequest):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: typeInvalidRequest}
	case errors.Is(err, engine.ErrUnknownModel):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: typeInvalidRequest}
	case errors.Is(err, engine.ErrUnavailable):
		return requestError{Status: http.StatusServiceUnavailable, Message: "generation engine temporarily unavailable", Type: typeUnavailable}
	}

	s.logger.Error("generation failed", "err", err)
	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "generation failed",
		Type:    typeServer,
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("completion-bridge ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Printf("Example:\n  curl -N http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"chatglm3-6b\",\"stream\":true,\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
