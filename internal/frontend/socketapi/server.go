// Package socketapi serves local tools over TCP. Each line is one JSON
// request naming an endpoint; each gets one JSON line back.
package socketapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/catalog"
	"github.com/Aidin1998/crossqueue/internal/dispatch"
	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/pkg/errors"
)

// Config binds the API to an address and the island it injects into.
type Config struct {
	Addr        string        `mapstructure:"addr"`
	Island      int           `mapstructure:"island" validate:"gte=0"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// DefaultConfig returns the socket API defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        "127.0.0.1:5300",
		Island:      1,
		IdleTimeout: 5 * time.Minute,
	}
}

// Request is one inbound line.
type Request struct {
	Endpoint string          `json:"endpoint"`
	Args     json.RawMessage `json:"args"`
}

// Response is one outbound line. Exactly one of Message and Error is set.
type Response struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// StatusOkay marks a successful response.
const StatusOkay = "okay"

// Origin tags requests made through the socket API.
var Origin = queue.Origin{FrontEnd: "socket", UserID: "socket", DisplayName: "SocketAPI"}

// Endpoint handles the args of one request.
type Endpoint func(ctx context.Context, args json.RawMessage) (Response, error)

// Server is the socket API listener.
type Server struct {
	cfg       Config
	registry  *dispatch.Registry
	catalog   *catalog.Catalog
	logger    *zap.Logger
	endpoints map[string]Endpoint

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a server with the built-in endpoints registered.
func NewServer(cfg Config, registry *dispatch.Registry, cat *catalog.Catalog, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.Island <= 0 {
		cfg.Island = def.Island
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cat == nil {
		cat = catalog.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		catalog:  cat,
		logger:   logger.Named("socketapi"),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	s.endpoints = map[string]Endpoint{
		"InjectVillager": s.injectVillager,
		"QueueStatus":    s.queueStatus,
	}
	return s
}

// Handle registers or replaces an endpoint. Call before Listen.
func (s *Server) Handle(name string, ep Endpoint) {
	s.endpoints[name] = ep
}

// Listen binds addr and serves in the background until Close.
func (s *Server) Listen(addr string) (net.Addr, error) {
	if addr == "" {
		addr = s.cfg.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serve(ln)
	s.logger.Info("socket API listening", zap.String("addr", ln.Addr().String()))
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
	enc := json.NewEncoder(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		line, err := reader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			if werr := enc.Encode(s.Dispatch(ctx, []byte(line))); werr != nil {
				s.logger.Debug("response write failed", zap.Error(werr))
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Dispatch decodes one request line and runs its endpoint. Errors and panics
// become error responses.
func (s *Server) Dispatch(ctx context.Context, line []byte) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("endpoint panicked", zap.Any("panic", r))
			resp = Response{Error: "internal error"}
		}
	}()

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{Error: "Malformed request: " + err.Error()}
	}
	ep, ok := s.endpoints[req.Endpoint]
	if !ok {
		return Response{Error: fmt.Sprintf("Unknown endpoint '%s'.", req.Endpoint)}
	}
	resp, err := ep(ctx, req.Args)
	if err != nil {
		s.logger.Info("socket request rejected", zap.String("endpoint", req.Endpoint), zap.Error(err))
		return Response{Error: errors.Message(err)}
	}
	if resp.Status == "" {
		resp.Status = StatusOkay
	}
	return resp
}

type injectArgs struct {
	House    *int    `json:"house"`
	Villager *string `json:"villager"`
}

func (s *Server) injectVillager(ctx context.Context, raw json.RawMessage) (Response, error) {
	var args injectArgs
	if len(raw) == 0 || json.Unmarshal(raw, &args) != nil || args.House == nil || args.Villager == nil {
		return Response{}, errors.Invalid.Explain("Missing 'house' or 'villager' in arguments.")
	}
	name := strings.TrimSpace(*args.Villager)
	if name == "" {
		return Response{}, errors.Invalid.Explain("Villager name cannot be empty.")
	}
	v, err := s.catalog.Resolve(name)
	if err != nil {
		return Response{}, errors.InvalidIdentity.Explain("Villager '%s' is not a valid internal villager name.", name).Wrap(err)
	}
	house := *args.House
	if house < 0 || house >= queue.DefaultSlotCount {
		return Response{}, errors.Invalid.Explain("House %d is out of range (0-%d).", house, queue.DefaultSlotCount-1)
	}
	if _, err := s.registry.Inject(ctx, s.cfg.Island, Origin, queue.InjectionPayload{
		Slot:        house,
		Identity:    v.Key,
		DisplayName: name,
	}); err != nil {
		return Response{}, err
	}
	return Response{
		Message: fmt.Sprintf("Enqueued villager '%s' (internal: '%s') to house %d.", name, v.Key, house),
	}, nil
}

func (s *Server) queueStatus(_ context.Context, _ json.RawMessage) (Response, error) {
	in, ok := s.registry.Instance(s.cfg.Island)
	if !ok {
		return Response{}, errors.UnknownResource.Explain("island %d is not served here", s.cfg.Island)
	}
	st := in.Stats()
	return Response{
		Message: fmt.Sprintf("%d waiting, %d queued, %d injections pending.", st.Waiting, st.Queued, st.Injections),
		Data:    st,
	}, nil
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
