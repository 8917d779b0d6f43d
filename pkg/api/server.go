package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"tgdispatch/pkg/core"
)

const (
	tokenHeader     = "Api-Token"
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Listen string `mapstructure:"listen"`
	Token  string `mapstructure:"token"`
}

// Publisher is the producer capability the ingress translates requests into.
type Publisher interface {
	TryPublish(ctx context.Context, msg core.StreamMessage, stream string)
}

// Server is the authenticated RPC surface that turns HTTP requests into stream appends.
type Server struct {
	cfg      *Config
	producer Publisher
	echo     *echo.Echo
}

// New creates the ingress server and registers its routes.
func New(cfg *Config, producer Publisher) *Server {
	s := &Server{
		cfg:      cfg,
		producer: producer,
		echo:     echo.New(),
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Validator = &requestValidator{validate: validator.New()}

	s.echo.Use(s.requestID, s.auth)

	s.echo.POST("/add", s.addBot)
	s.echo.DELETE("/remove", s.removeBot)
	s.echo.POST("/send_msg", s.sendMsg)
	s.echo.POST("/send_multi_msg", s.sendMultiMsg)
	s.echo.POST("/broadcast", s.broadcast)
	s.echo.DELETE("/msg", s.deleteMsg)
	s.echo.PATCH("/msg", s.editMsg)

	return s
}

// Run serves HTTP until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.echo.Start(s.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.InfoContext(ctx, "ingress listening", slog.String("addr", s.cfg.Listen))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		//nolint:staticcheck // string key matches the logger's context handler
		ctx := context.WithValue(c.Request().Context(), "req_id", uuid.New().String())
		c.SetRequest(c.Request().WithContext(ctx))

		return next(c)
	}
}

func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Header.Get(tokenHeader) != s.cfg.Token {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}

		return next(c)
	}
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return nil
}
