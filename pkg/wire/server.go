package wire

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/coordinator"
)

const defaultRequestTimeout = 5 * time.Second

// Server answers wire requests through a coordinator.Service.
type Server struct {
	addr    string
	svc     coordinator.Service
	logger  zerolog.Logger
	timeout time.Duration

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithRequestTimeout bounds every request served.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer creates a server for svc on addr (lazy start).
func NewServer(addr string, svc coordinator.Service, opts ...ServerOption) *Server {
	s := &Server{
		addr:    addr,
		svc:     svc,
		logger:  zerolog.Nop(),
		timeout: defaultRequestTimeout,
		conns:   map[net.Conn]struct{}{},
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// Start listens and accepts connections in the background until Stop or ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return nil
	}

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return sentinel.Classify(sentinel.ErrCommunication, err, "wire listen")
	}

	s.ln = ln

	s.wg.Go(func() { s.accept(ctx, ln) })

	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Stop closes the listener and every open connection, then waits for handlers.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()

	if s.ln == nil {
		s.mu.Unlock()

		return nil
	}

	err := s.ln.Close()

	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return sentinel.Classify(sentinel.ErrTimeoutOrCanceled, ctx.Err(), "wire server stop")
	case <-done:
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return ewrap.Wrap(err, "close wire listener")
	}

	return nil
}

func (s *Server) accept(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error().Err(err).Msg("wire accept failed")
			}

			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Go(func() {
			defer s.forget(conn)

			s.serve(ctx, conn)
		})
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	_ = conn.Close()
}

// serve handles requests on conn until the peer hangs up or a framing error.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		var tag [4]byte

		_, err := io.ReadFull(r, tag[:])
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("wire read failed")
			}

			return
		}

		err = s.handle(ctx, tag, r, w)
		if err == nil {
			err = w.Flush()
		}

		if err != nil {
			s.logger.Debug().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("wire connection closed")

			return
		}
	}
}

func (s *Server) handle(ctx context.Context, tag [4]byte, r *bufio.Reader, w *bufio.Writer) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch tag {
	case TagPut:
		klen, err := readLen(r)
		if err != nil {
			return err
		}

		vlen, err := readLen(r)
		if err != nil {
			return err
		}

		key, err := readBytes(r, klen)
		if err != nil {
			return err
		}

		value, err := readBytes(r, vlen)
		if err != nil {
			return err
		}

		_, err = s.svc.Put(reqCtx, string(key), value)

		return s.ack(w, "put", string(key), err)

	case TagGet:
		key, err := readKey(r)
		if err != nil {
			return err
		}

		v, found, err := s.svc.Get(reqCtx, key)
		if err != nil {
			return ewrap.Wrapf(err, "get %q", key)
		}

		if !found || len(v.Value) == 0 {
			return writeLen(w, 0)
		}

		err = writeLen(w, len(v.Value))
		if err != nil {
			return err
		}

		_, err = w.Write(v.Value)

		return err

	case TagDel:
		key, err := readKey(r)
		if err != nil {
			return err
		}

		_, err = s.svc.Delete(reqCtx, key)

		return s.ack(w, "delete", key, err)
	}

	return ewrap.Wrapf(sentinel.ErrProtocol, "unknown command %q", string(tag[:]))
}

func (s *Server) ack(w *bufio.Writer, op, key string, err error) error {
	ack := AckOK

	if err != nil {
		s.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("wire request failed")

		ack = AckErr
	}

	_, werr := w.Write(ack[:])

	return werr
}

func readKey(r io.Reader) (string, error) {
	klen, err := readLen(r)
	if err != nil {
		return "", err
	}

	key, err := readBytes(r, klen)

	return string(key), err
}
