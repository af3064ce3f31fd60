package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"phishwall/pkg/config"
	"phishwall/pkg/errcoll"
	"phishwall/pkg/logging"
	"phishwall/pkg/telemetry"

	"github.com/axiomhq/hyperloglog"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// packet is one received datagram.
type packet struct {
	addr *net.UDPAddr
	data []byte
}

// Server reads UDP datagrams and hands them to a fixed pool of workers
// through a bounded queue. A datagram that finds the queue full is dropped.
type Server struct {
	cfg     config.ServerConfig
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics
	errColl errcoll.Interface

	mu      sync.Mutex
	conn    *net.UDPConn
	running bool

	queue    chan packet
	stopping atomic.Bool

	received  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
	panics    atomic.Uint64

	clientsMu sync.Mutex
	clients   *hyperloglog.Sketch

	dropLog rate.Sometimes
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Received      uint64 `json:"received"`
	Processed     uint64 `json:"processed"`
	Dropped       uint64 `json:"dropped"`
	Malformed     uint64 `json:"malformed"`
	Panics        uint64 `json:"panics"`
	UniqueClients uint64 `json:"unique_clients"`
	QueueDepth    int    `json:"queue_depth"`
	QueueSize     int    `json:"queue_size"`
	Workers       int    `json:"workers"`
}

// NewServer creates a UDP server. errColl and metrics may be nil.
func NewServer(cfg config.ServerConfig, handler *Handler, logger *logging.Logger, metrics *telemetry.Metrics, errColl errcoll.Interface) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("max_workers must be at least 1, got %d", cfg.MaxWorkers)
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("queue_size must be at least 1, got %d", cfg.QueueSize)
	}
	if cfg.UDPBufferSize < dns.MinMsgSize {
		cfg.UDPBufferSize = dns.MinMsgSize
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if errColl == nil {
		errColl = errcoll.NewLogErrorCollector(logger)
	}

	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: metrics,
		errColl: errColl,
		clients: hyperloglog.New(),
		dropLog: rate.Sometimes{Interval: time.Second},
	}, nil
}

// Listen binds the UDP socket. It is separate from Serve so callers can
// learn the bound address before serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("server already listening on %s", s.conn.LocalAddr())
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", s.cfg.ListenAddress, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.ListenAddress, err)
	}
	s.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Start binds the socket and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve runs the receive loop and the worker pool until ctx is canceled.
// On cancellation it stops receiving, lets the workers answer everything
// already queued, and then closes the socket.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return fmt.Errorf("server is not listening")
	}
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	conn := s.conn
	s.queue = make(chan packet, s.cfg.QueueSize)
	s.mu.Unlock()

	s.logger.Info("DNS server started",
		"address", conn.LocalAddr().String(),
		"workers", s.cfg.MaxWorkers,
		"queue_size", s.cfg.QueueSize)

	// Requests already queued are answered even after ctx is canceled.
	workCtx := context.WithoutCancel(ctx)

	var workers errgroup.Group
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		workers.Go(func() error {
			for pkt := range s.queue {
				s.serve(workCtx, conn, pkt)
			}
			return nil
		})
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(rctx)
	g.Go(func() error {
		defer cancel()
		defer close(s.queue)
		return s.receive(conn)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.stopping.Store(true)
		// Unblocks ReadFromUDP without closing the socket workers still
		// reply on.
		return conn.SetReadDeadline(time.Now())
	})

	err := g.Wait()
	_ = workers.Wait()

	s.mu.Lock()
	closeErr := s.conn.Close()
	s.conn = nil
	s.running = false
	s.mu.Unlock()

	s.logger.Info("DNS server stopped",
		"received", s.received.Load(),
		"processed", s.processed.Load(),
		"dropped", s.dropped.Load())

	if err != nil {
		return err
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("closing socket: %w", closeErr)
	}
	return nil
}

// receive reads datagrams until the socket is stopped.
func (s *Server) receive(conn *net.UDPConn) error {
	buf := make([]byte, s.cfg.UDPBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Warn("UDP read failed", "error", err)
			continue
		}

		s.received.Add(1)
		s.observeClient(addr)

		data := make([]byte, n)
		copy(data, buf[:n])
		s.enqueue(packet{addr: addr, data: data})
	}
}

// enqueue hands pkt to a worker or drops it when the queue is full.
func (s *Server) enqueue(pkt packet) {
	select {
	case s.queue <- pkt:
	default:
		total := s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.DispatcherDropped.Add(context.Background(), 1)
		}
		s.dropLog.Do(func() {
			s.logger.Warn("Worker queue full, dropping datagram",
				"client_ip", clientIPFromAddr(pkt.addr),
				"queue_size", s.cfg.QueueSize,
				"dropped_total", total)
		})
	}
}

// serve runs the handler for one datagram. A panic is contained to that
// datagram and reported.
func (s *Server) serve(ctx context.Context, conn *net.UDPConn, pkt packet) {
	defer s.processed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			clientIP := clientIPFromAddr(pkt.addr)
			errcoll.Collectf(errcoll.WithRequest(ctx, clientIP, ""), s.errColl, s.logger,
				"recovered from handler panic for client %s: %v", clientIP, r)
		}
	}()

	w := &udpResponseWriter{conn: conn, addr: pkt.addr}
	if err := s.handler.Handle(ctx, w, pkt.data); errors.Is(err, ErrMalformedQuery) {
		s.malformed.Add(1)
	}
}

func (s *Server) observeClient(addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	key := []byte(clientIPFromAddr(addr))
	s.clientsMu.Lock()
	s.clients.Insert(key)
	s.clientsMu.Unlock()
}

// Stats returns dispatcher counters and the unique client estimate.
func (s *Server) Stats() Stats {
	s.clientsMu.Lock()
	unique := s.clients.Estimate()
	s.clientsMu.Unlock()

	s.mu.Lock()
	depth := 0
	if s.queue != nil {
		depth = len(s.queue)
	}
	s.mu.Unlock()

	return Stats{
		Received:      s.received.Load(),
		Processed:     s.processed.Load(),
		Dropped:       s.dropped.Load(),
		Malformed:     s.malformed.Load(),
		Panics:        s.panics.Load(),
		UniqueClients: unique,
		QueueDepth:    depth,
		QueueSize:     s.cfg.QueueSize,
		Workers:       s.cfg.MaxWorkers,
	}
}

// udpResponseWriter replies to one peer on the shared socket.
type udpResponseWriter struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (w *udpResponseWriter) RemoteAddr() net.Addr { return w.addr }

func (w *udpResponseWriter) Write(b []byte) (int, error) {
	return w.conn.WriteToUDP(b, w.addr)
}

func (w *udpResponseWriter) WriteMsg(msg *dns.Msg) error {
	b, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("packing reply: %w", err)
	}
	_, err = w.Write(b)
	return err
}
