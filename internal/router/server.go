package router

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/pkg/errors"
)

// Handler executes a decoded control-plane command and returns the text for
// the ok reply.
type Handler interface {
	HandleCommand(ctx context.Context, cmd Command) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command) (string, error)

func (f HandlerFunc) HandleCommand(ctx context.Context, cmd Command) (string, error) {
	return f(ctx, cmd)
}

// Server is the worker side of the control plane. Every received line is
// answered with exactly one ok|... or error|... line.
type Server struct {
	handler     Handler
	logger      *zap.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a server dispatching to handler.
func NewServer(handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		handler:     handler,
		logger:      logger.Named("control"),
		idleTimeout: time.Minute,
		conns:       make(map[net.Conn]struct{}),
		closed:      make(chan struct{}),
	}
}

// Listen binds addr and serves in the background until Close.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serve(ln)
	s.logger.Info("control plane listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		line, err := reader.ReadString('\n')
		if line == "" && err != nil {
			return
		}
		reply := s.dispatch(ctx, line)
		out, encErr := reply.Encode()
		if encErr != nil {
			out, _ = Reply(encErr, "").Encode()
		}
		if _, err := conn.Write(out); err != nil {
			s.logger.Debug("reply write failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, line string) (reply Command) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("control handler panicked", zap.Any("panic", r))
			reply = Reply(errors.ExecutionFailure.Explain("internal error"), "")
		}
	}()

	cmd, err := Decode(line)
	if err != nil {
		return Reply(err, "")
	}
	msg, err := s.handler.HandleCommand(ctx, cmd)
	if err != nil {
		s.logger.Info("command rejected", zap.String("command", describe(cmd)), zap.Error(err))
	}
	return Reply(err, msg)
}

// Close stops accepting, closes open connections and waits for handlers.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.listener != nil {
			err = s.listener.Close()
		}
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}
