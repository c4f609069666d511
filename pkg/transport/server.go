package transport

import (
	"context"
	"errors"
	"net"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/consistency"
)

const (
	httpReadTimeout  = 5 * time.Second
	httpWriteTimeout = 5 * time.Second
)

// Server serves a consistency.Manager to remote coordinators.
type Server struct {
	app    *fiber.App
	ln     net.Listener
	addr   string
	mgr    consistency.Manager
	logger zerolog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server for mgr on addr (lazy start).
func NewServer(addr string, mgr consistency.Manager, opts ...ServerOption) *Server {
	app := fiber.New(fiber.Config{ReadTimeout: httpReadTimeout, WriteTimeout: httpWriteTimeout})

	s := &Server{app: app, addr: addr, mgr: mgr, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}

	return s
}

// Start mounts the routes and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.ln != nil {
		return nil
	}

	s.mountRoutes(ctx)

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return sentinel.Classify(sentinel.ErrCommunication, err, "replica http listen")
	}

	s.ln = ln

	go func() {
		err := s.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
		if err != nil {
			s.logger.Error().Err(err).Str("addr", ln.Addr().String()).Msg("replica http server stopped")
		}
	}()

	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.ln == nil {
		return nil
	}

	ch := make(chan error, 1)

	go func() { ch <- s.app.Shutdown() }()

	select {
	case <-ctx.Done():
		return ewrap.Wrap(sentinel.ErrMgmtHTTPShutdownTimeout, "replica http server")
	case err := <-ch:
		return err
	}
}

func (s *Server) mountRoutes(ctx context.Context) {
	s.app.Get(PathGet, func(fctx fiber.Ctx) error {
		key := fctx.Query("key")

		v, found, err := s.mgr.Get(ctx, key)
		if err != nil {
			return s.fail(fctx, err)
		}

		return fctx.JSON(getResponse{Found: found, Value: v})
	})

	s.app.Post(PathPut, func(fctx fiber.Ctx) error {
		var req putRequest

		err := json.Unmarshal(fctx.Body(), &req)
		if err != nil {
			return badRequest(fctx, err)
		}

		res, err := s.mgr.Put(ctx, req.Key, req.Write)
		if err != nil {
			return s.fail(fctx, err)
		}

		return fctx.JSON(res)
	})

	s.app.Post(PathResolve, func(fctx fiber.Ctx) error {
		var req resolveRequest

		err := json.Unmarshal(fctx.Body(), &req)
		if err != nil {
			return badRequest(fctx, err)
		}

		winner, err := s.mgr.ResolveConflict(ctx, req.Key, req.Candidates)
		if err != nil {
			return s.fail(fctx, err)
		}

		return fctx.JSON(winner)
	})

	s.app.Post(PathRepair, func(fctx fiber.Ctx) error {
		var req repairRequest

		err := json.Unmarshal(fctx.Body(), &req)
		if err != nil {
			return badRequest(fctx, err)
		}

		err = s.mgr.ReadRepair(ctx, req.Key, req.Value)
		if err != nil {
			return s.fail(fctx, err)
		}

		return fctx.SendStatus(fiber.StatusNoContent)
	})

	s.app.Get(PathHealth, func(fctx fiber.Ctx) error {
		return fctx.SendString("ok")
	})
}

func (s *Server) fail(fctx fiber.Ctx, err error) error {
	code := errorCode(err)

	status := fiber.StatusInternalServerError

	switch {
	case errors.Is(err, sentinel.ErrInvalidKey), errors.Is(err, sentinel.ErrEmptyCandidates):
		status = fiber.StatusBadRequest
	case errors.Is(err, sentinel.ErrManagerClosed):
		status = fiber.StatusServiceUnavailable
	default:
		s.logger.Error().Err(err).Str("path", fctx.Path()).Msg("replica request failed")
	}

	return fctx.Status(status).JSON(errorResponse{Error: err.Error(), Code: code})
}

func badRequest(fctx fiber.Ctx, err error) error {
	return fctx.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error(), Code: codeBadRequest})
}
