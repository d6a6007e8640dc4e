package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/visionvm/sensor/internal/state"
)

const writeTimeout = 5 * time.Second

// Options tunes the per-client backpressure policy.
type Options struct {
	// QueueCap bounds each client's outbound queue. When the queue is
	// full the oldest frame is dropped in favor of the newest.
	QueueCap int
	// OverflowLimit disconnects a client once its queue has overflowed
	// this many times. A consumer that persistently can't keep up is
	// cheaper to drop than to keep feeding.
	OverflowLimit int
}

// Server accepts stream consumers and fans captured frames out to them.
// Delivery to one client never blocks delivery to any other client, nor
// the capture loop: Publish is non-blocking end to end.
type Server struct {
	addr  string
	opts  Options
	store *state.Store
	log   *zap.Logger

	mu      sync.Mutex
	clients map[uuid.UUID]*client
	latest  *Frame
	ln      net.Listener
}

type client struct {
	id          uuid.UUID
	conn        net.Conn
	queue       chan Frame
	overflows   int
	connectedAt time.Time
	stopOnce    sync.Once
	stopped     chan struct{}
}

func (c *client) stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		_ = c.conn.Close()
	})
}

func NewServer(addr string, store *state.Store, opts Options, log *zap.Logger) *Server {
	if opts.QueueCap < 1 {
		opts.QueueCap = 8
	}
	if opts.OverflowLimit < 1 {
		opts.OverflowLimit = 64
	}
	return &Server{
		addr:    addr,
		opts:    opts,
		store:   store,
		log:     log.With(zap.String("component", "stream")),
		clients: make(map[uuid.UUID]*client),
	}
}

// Addr returns the bound listen address. Valid after Run has started
// listening; tests use it with port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listen binds the stream socket. Split from Run so the caller can treat
// a bind failure as fatal before any goroutine starts.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("stream: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Run accepts consumers until ctx is cancelled. Listen must have been
// called first.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("stream: Run called before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			return fmt.Errorf("stream: accept: %w", err)
		}
		s.register(conn)
	}
}

func (s *Server) register(conn net.Conn) {
	c := &client{
		id:          uuid.New(),
		conn:        conn,
		queue:       make(chan Frame, s.opts.QueueCap),
		connectedAt: time.Now(),
		stopped:     make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	// A late joiner gets the freshest frame immediately rather than
	// waiting out the capture cadence.
	if s.latest != nil {
		c.queue <- *s.latest
	}
	s.mu.Unlock()

	s.store.ClientConnected()
	s.log.Info("client connected",
		zap.String("client", c.id.String()),
		zap.String("remote", conn.RemoteAddr().String()))

	go s.writeLoop(c)
}

// Publish enqueues the frame for every connected client. Never blocks: a
// full queue sheds its oldest frame first (freshness over completeness).
func (s *Server) Publish(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &f

	for _, c := range s.clients {
		select {
		case c.queue <- f:
			continue
		default:
		}
		// Queue full: shed the oldest, then retry once. Publish is the
		// only sender, so order within the queue is preserved.
		select {
		case <-c.queue:
			c.overflows++
		default:
		}
		select {
		case c.queue <- f:
		default:
		}
		if c.overflows > s.opts.OverflowLimit {
			s.log.Warn("client overflow limit reached, disconnecting",
				zap.String("client", c.id.String()),
				zap.Int("overflows", c.overflows))
			delete(s.clients, c.id)
			c.stop()
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.stop()
		s.store.ClientDisconnected()
		s.log.Info("client disconnected",
			zap.String("client", c.id.String()),
			zap.Duration("connected_for", time.Since(c.connectedAt)))
	}()

	for {
		select {
		case <-c.stopped:
			return
		case f := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := WriteFrame(c.conn, f); err != nil {
				s.log.Debug("write failed",
					zap.String("client", c.id.String()), zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[uuid.UUID]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
}
