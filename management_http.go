package coretex

import (
	"context"
	"net"
	"strconv"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/cluster"
	"github.com/hyp3rd/coretex/pkg/config"
	"github.com/hyp3rd/coretex/pkg/consistency"
)

// ManagementHTTPOption configures the management HTTP server.
type ManagementHTTPOption func(*ManagementHTTPServer)

// ManagementHTTPServer holds Fiber app and settings.
type ManagementHTTPServer struct {
	addr         string
	app          *fiber.App
	readTimeout  time.Duration
	writeTimeout time.Duration
	authFunc     func(fiber.Ctx) error
	ln           net.Listener
	started      bool
}

// WithMgmtAuth sets an auth function (return error to block).
func WithMgmtAuth(fn func(fiber.Ctx) error) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.authFunc = fn }
}

// WithMgmtReadTimeout sets read timeout.
func WithMgmtReadTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.readTimeout = d }
}

// WithMgmtWriteTimeout sets write timeout.
func WithMgmtWriteTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.writeTimeout = d }
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultScanLimit    = 100
	maxScanLimit        = 10_000
)

// NewManagementHTTPServer builds an HTTP server holder (lazy start).
func NewManagementHTTPServer(addr string, opts ...ManagementHTTPOption) *ManagementHTTPServer {
	srv := &ManagementHTTPServer{
		addr:         addr,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.app = fiber.New(fiber.Config{
		ReadTimeout:  srv.readTimeout,
		WriteTimeout: srv.writeTimeout,
	})

	return srv
}

// managementNode is the node surface the endpoints read from.
type managementNode interface {
	Config() config.Config
	Stats() Stats
	Members() []*cluster.Node
	RingPoints() []string
	Owners(key string) []cluster.NodeID
	SetNodeState(id cluster.NodeID, state cluster.NodeState) error
	ReplayHints(ctx context.Context)
	Scan(ctx context.Context, start, end string, limit int) ([]consistency.VersionedValue, error)
}

// Start launches listener (idempotent).
func (s *ManagementHTTPServer) Start(ctx context.Context, node managementNode) error {
	if s.started {
		return nil
	}

	s.mountRoutes(ctx, node)

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "mgmt listen")
	}

	s.ln = ln

	go func() {
		_ = s.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.started = true

	return nil
}

// Address returns the bound address (useful when passing ":0" for ephemeral port). Empty if not started yet.
func (s *ManagementHTTPServer) Address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *ManagementHTTPServer) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}

	ch := make(chan error, 1)

	go func() {
		ch <- s.app.Shutdown()
	}()

	select {
	case <-ctx.Done():
		return sentinel.ErrMgmtHTTPShutdownTimeout
	case err := <-ch:
		return err
	}
}

func (s *ManagementHTTPServer) mountRoutes(ctx context.Context, node managementNode) {
	useAuth := s.wrapAuth
	s.registerBasic(useAuth, node)
	s.registerCluster(ctx, useAuth, node)
	s.registerControl(ctx, useAuth, node)
}

// wrapAuth returns an auth-wrapped handler if authFunc provided.
func (s *ManagementHTTPServer) wrapAuth(handler fiber.Handler) fiber.Handler { //nolint:ireturn
	if s.authFunc == nil {
		return handler
	}

	return func(fiberCtx fiber.Ctx) error {
		authErr := s.authFunc(fiberCtx)
		if authErr != nil {
			return authErr
		}

		return handler(fiberCtx)
	}
}

func (s *ManagementHTTPServer) registerBasic(useAuth func(fiber.Handler) fiber.Handler, node managementNode) {
	s.app.Get("/health", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.SendString("ok") }))
	s.app.Get("/metrics", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.JSON(node.Stats()) }))
	s.app.Get("/config", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.JSON(node.Config()) }))
}

func (s *ManagementHTTPServer) registerCluster(
	ctx context.Context,
	useAuth func(fiber.Handler) fiber.Handler,
	node managementNode,
) {
	s.app.Get("/cluster/members", useAuth(func(fiberCtx fiber.Ctx) error {
		repl := node.Config().Replication

		return fiberCtx.JSON(fiber.Map{
			"replication":  repl.Factor,
			"virtualNodes": repl.VirtualNodes,
			"members":      node.Members(),
		})
	}))
	s.app.Get("/cluster/ring", useAuth(func(fiberCtx fiber.Ctx) error {
		points := node.RingPoints()

		return fiberCtx.JSON(fiber.Map{"count": len(points), "vnodes": points})
	}))
	s.app.Get("/cluster/owners", useAuth(func(fiberCtx fiber.Ctx) error {
		key := fiberCtx.Query("key")
		if key == "" {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing key"})
		}

		return fiberCtx.JSON(fiber.Map{"key": key, "owners": node.Owners(key)})
	}))
	s.app.Get("/cluster/scan", useAuth(func(fiberCtx fiber.Ctx) error {
		limit := defaultScanLimit

		if raw := fiberCtx.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxScanLimit {
				return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid limit"})
			}

			limit = n
		}

		records, err := node.Scan(ctx, fiberCtx.Query("start"), fiberCtx.Query("end"), limit)
		if err != nil {
			return fiberCtx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}

		return fiberCtx.JSON(fiber.Map{"count": len(records), "records": records})
	}))
}

func (s *ManagementHTTPServer) registerControl(
	ctx context.Context,
	useAuth func(fiber.Handler) fiber.Handler,
	node managementNode,
) {
	s.app.Post("/hints/replay", useAuth(func(fiberCtx fiber.Ctx) error {
		node.ReplayHints(ctx)

		return fiberCtx.SendStatus(fiber.StatusAccepted)
	}))
	s.app.Post("/cluster/members/:id/state", useAuth(func(fiberCtx fiber.Ctx) error {
		state, err := cluster.ParseNodeState(fiberCtx.Query("state"))
		if err != nil {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		err = node.SetNodeState(cluster.NodeID(fiberCtx.Params("id")), state)
		if err != nil {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}

		return fiberCtx.SendStatus(fiber.StatusNoContent)
	}))
}
