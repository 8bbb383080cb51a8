package stp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hossein1376/hark/sign"
)

const DefaultHandshakeTimeout = 10 * time.Second

var ErrServerClosed = errors.New("stp: server closed")

type HandlerFunc func(t *Transport) error

type Server struct {
	Addr             string
	HandlerFunc      HandlerFunc
	RemoteVerifier   RemoteVerifier
	HandshakeTimeout time.Duration

	identity sign.Identity
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithRemoteVerifier(v RemoteVerifier) Option {
	return func(s *Server) { s.RemoteVerifier = v }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) { s.HandshakeTimeout = d }
}

func NewServer(
	addr string, id sign.Identity, handler HandlerFunc, opts ...Option,
) *Server {
	s := &Server{
		Addr:             addr,
		HandlerFunc:      handler,
		RemoteVerifier:   AcceptAny,
		HandshakeTimeout: DefaultHandshakeTimeout,
		identity:         id,
		logger:           zerolog.Nop(),
		conns:            make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown is called, at which point it
// returns ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	for {
		c, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			s.log(zerolog.ErrorLevel, "accept conn", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		conn := newConn(c)
		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			if err := s.serve(conn); err != nil {
				s.log(zerolog.WarnLevel, "serve conn", err)
			}
		}()
	}
}

// ListenAddr reports the address the server is accepting on, once Serve has
// started.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, closes every open connection and waits for the
// handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serve(conn *Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serve panic: %v", r)
		}
		if !conn.IsClosed() {
			if closeErr := conn.Close(); closeErr != nil {
				s.log(zerolog.ErrorLevel, "close conn", closeErr)
			}
		}
	}()

	if s.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.HandshakeTimeout))
	}
	remote, err := receiveIntroduction(conn)
	if err != nil {
		return fmt.Errorf("receive introduction: %w", err)
	}
	if err := verify(s.RemoteVerifier, remote); err != nil {
		return fmt.Errorf("verify remote: %w", err)
	}
	if err := sendIntroduction(conn, s.identity); err != nil {
		return fmt.Errorf("send introduction: %w", err)
	}
	t, err := acceptHandshake(conn, s.identity, remote)
	if err != nil {
		return fmt.Errorf("accept handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	s.logger.Debug().
		Str("session", t.SessionID()).
		Str("remote", conn.RemoteAddr().String()).
		Msg("handshake completed")
	if err = s.HandlerFunc(t); err != nil {
		return fmt.Errorf("handler: %w", err)
	}

	return nil
}

func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) log(lvl zerolog.Level, msg string, err error) {
	s.logger.WithLevel(lvl).Err(err).Msg(msg)
}
