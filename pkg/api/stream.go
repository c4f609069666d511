// Package api serves live observer streams over websockets: consistency events
// (commits, conflicts, repairs) and membership changes.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/hyp3rd/ewrap"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/cluster"
	"github.com/hyp3rd/coretex/pkg/consistency"
)

const (
	// PathEvents streams consistency events.
	PathEvents = "/ws/events"
	// PathMembers streams membership events.
	PathMembers = "/ws/members"
	// PathHealth answers plain liveness probes.
	PathHealth = "/health"

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Observers only send control frames.
	maxMessageSize = 512
)

// EventSource yields consistency events until ctx is done.
type EventSource interface {
	Watch(ctx context.Context) <-chan consistency.Event
}

// MemberSource yields membership events until ctx is done.
type MemberSource interface {
	Watch(ctx context.Context) <-chan cluster.Event
}

// Server exposes the observer streams.
type Server struct {
	addr    string
	events  EventSource
	members MemberSource
	origins []string
	logger  zerolog.Logger

	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMembers enables the membership stream.
func WithMembers(src MemberSource) Option {
	return func(s *Server) { s.members = src }
}

// WithAllowedOrigins restricts cross-origin access. Empty allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, origins...) }
}

// NewServer returns a stream server bound to addr once started.
func NewServer(addr string, events EventSource, opts ...Option) (*Server, error) {
	if events == nil {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "event source")
	}

	s := &Server{addr: addr, events: events, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s, nil
}

// Start binds the listener and serves in the background until Stop.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "api listen")
	}

	s.ln = ln
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathEvents, s.handleEvents)
	mux.HandleFunc("GET "+PathMembers, s.handleMembers)
	mux.HandleFunc("GET "+PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Handler:           s.cors().Handler(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := s.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("api server stopped")
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}

	return s.addr
}

// Stop closes every open stream and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.srv == nil {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	s.mu.Unlock()

	s.cancel()

	err := s.srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return sentinel.ErrMgmtHTTPShutdownTimeout
	}

	if err != nil {
		return ewrap.Wrap(err, "api shutdown")
	}

	return nil
}

func (s *Server) cors() *cors.Cors {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"*"},
	}

	if len(s.origins) > 0 {
		opts.AllowedOrigins = s.origins
	}

	return cors.New(opts)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")

	return origin == "" || slices.Contains(s.origins, origin)
}

// track registers a live stream; false once the server is stopping.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.wg.Add(1)

	return true
}

// eventFilter selects events by key prefix and kind names (comma separated).
type eventFilter struct {
	prefix string
	kinds  []string
}

func parseEventFilter(r *http.Request) eventFilter {
	f := eventFilter{prefix: r.URL.Query().Get("prefix")}

	if raw := r.URL.Query().Get("kinds"); raw != "" {
		for k := range strings.SplitSeq(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.kinds = append(f.kinds, k)
			}
		}
	}

	return f
}

func (f eventFilter) match(ev consistency.Event) bool {
	if !strings.HasPrefix(ev.Key, f.prefix) {
		return false
	}

	return len(f.kinds) == 0 || slices.Contains(f.kinds, ev.Kind.String())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := parseEventFilter(r)

	serve(s, w, r, s.events.Watch, filter.match)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if s.members == nil {
		http.Error(w, "membership stream disabled", http.StatusNotFound)

		return
	}

	serve(s, w, r, s.members.Watch, nil)
}

// serve subscribes before upgrading so nothing published after the handshake is missed.
func serve[T any](s *Server, w http.ResponseWriter, r *http.Request, watch func(context.Context) <-chan T, keep func(T) bool) {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)

		return
	}
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.base)
	defer cancel()

	stream := watch(ctx)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")

		return
	}
	defer conn.Close()

	s.logger.Debug().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("observer connected")

	go readPump(conn, cancel)

	writePump(ctx, conn, stream, keep, s.logger)

	s.logger.Debug().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("observer disconnected")
}

// readPump drains control frames and cancels the stream when the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer of conn.
func writePump[T any](ctx context.Context, conn *websocket.Conn, stream <-chan T, keep func(T) bool, logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	closeWith := func(code int, text string) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	}

	for {
		select {
		case <-ctx.Done():
			closeWith(websocket.CloseGoingAway, "")

			return

		case v, ok := <-stream:
			if !ok {
				closeWith(websocket.CloseNormalClosure, "source closed")

				return
			}

			if keep != nil && !keep(v) {
				continue
			}

			data, err := json.Marshal(v)
			if err != nil {
				logger.Error().Err(err).Msg("encode stream message")

				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
