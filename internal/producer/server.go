// Package producer serves hand landmark frames to a single TCP consumer.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ayusman/handlink/internal/logging"
	"github.com/ayusman/handlink/internal/protocol"
)

var (
	// ErrPeerGone is returned by Serve when writing to the consumer fails.
	ErrPeerGone = errors.New("consumer connection lost")
	// ErrCaptureMiss marks a frame the source could not produce. It is transient.
	ErrCaptureMiss = errors.New("failed to get frame")
	// ErrQuit is returned by a source when the operator asked to stop.
	ErrQuit = errors.New("quit requested")
	// ErrNotListening is returned by Serve before Listen succeeded.
	ErrNotListening = errors.New("server is not listening")
)

// Source yields landmark frames. Next returns a nil frame and nil error when
// the current camera frame contains no hand, and io.EOF when the source is
// exhausted.
type Source interface {
	Next(ctx context.Context) (*protocol.Frame, error)
	Close() error
}

// Config holds the server configuration.
type Config struct {
	// Addr is the TCP listen address (default 127.0.0.1:65432).
	Addr string
}

// Stats summarizes a session.
type Stats struct {
	FramesSent    int `json:"frames_sent"`
	FramesSkipped int `json:"frames_skipped"`
	Misses        int `json:"misses"`
}

// Server accepts one consumer and streams frames from its source until the
// peer disconnects, the source ends or the context is cancelled. A Server
// handles a single session.
type Server struct {
	config Config
	src    Source
	log    *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	stats    Stats
}

// New creates a Server that streams frames from src.
func New(config Config, src Source, log *zap.Logger) *Server {
	if config.Addr == "" {
		config.Addr = protocol.DefaultAddr
	}
	return &Server{
		config: config,
		src:    src,
		log:    logging.Component(log, "producer"),
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns the counters of the current or finished session.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Serve accepts exactly one connection and streams frames to it. The
// listener, the connection and the source are closed when Serve returns.
// A nil error means the operator quit, the source ended or ctx was
// cancelled after the consumer connected.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}
	defer s.cleanup(ln)

	s.log.Info("waiting for consumer connection", zap.String("addr", ln.Addr().String()))
	conn, err := accept(ctx, ln)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.log.Info("consumer connected", zap.String("remote", conn.RemoteAddr().String()))

	// Unblock a pending write when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	enc := protocol.NewEncoder(conn)
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := s.src.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrQuit):
			s.log.Info("quit requested")
			return nil
		case errors.Is(err, io.EOF):
			s.log.Info("source exhausted")
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, ErrCaptureMiss):
			s.log.Warn("frame miss", zap.Error(err))
			s.count(func(st *Stats) { st.Misses++ })
			continue
		default:
			s.log.Error("source error", zap.Error(err))
			s.count(func(st *Stats) { st.Misses++ })
			continue
		}

		if frame == nil {
			s.count(func(st *Stats) { st.FramesSkipped++ })
			continue
		}

		if err := enc.Encode(frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("consumer connection lost", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrPeerGone, err)
		}
		s.count(func(st *Stats) { st.FramesSent++ })
	}
}

func (s *Server) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Server) cleanup(ln net.Listener) {
	s.log.Info("cleaning up")
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("close listener", zap.Error(err))
	}
	if err := s.src.Close(); err != nil {
		s.log.Warn("close source", zap.Error(err))
	}

	st := s.Stats()
	s.log.Info("session ended",
		zap.Int("frames_sent", st.FramesSent),
		zap.Int("frames_skipped", st.FramesSkipped),
		zap.Int("misses", st.Misses),
	)
}

// accept waits for a single connection, returning early when ctx is done.
func accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("accept: %w", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		ln.Close()
		if r := <-ch; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	}
}
