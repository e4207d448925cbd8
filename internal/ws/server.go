// Package ws is the WebSocket transport for the messaging broker. It
// upgrades HTTP connections after authenticating them, registers the
// resulting sockets with an epoll instance for read-readiness, and hands
// complete text frames to the application layer through callbacks. One
// frame is in flight per connection at any time, so inbound order is
// preserved from the wire through to the frame handler.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/campuslink/messenger/internal/auth"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AuthTimeout    time.Duration // bound on the authentication handshake
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AuthTimeout:    5 * time.Second,
	}
}

// Authenticator validates the credential presented with an upgrade request
// and returns the identity it grants. Implemented by the broker: token
// validation plus a tenant membership check against the directory.
type Authenticator func(ctx context.Context, r *http.Request) (auth.Identity, error)

// Server accepts authenticated WebSocket connections and drives frame
// reading through an epoll event loop and a bounded worker pool.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	authenticate Authenticator
	workerPool   chan struct{}                        // semaphore limiting concurrent read workers
	onOpen       func(conn *Connection)               // called after a connection is registered
	onFrame      func(conn *Connection, data []byte)  // called for each complete text frame
	onClose      func(conn *Connection)               // called when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. The authenticator gates every upgrade; the
// onFrame callback is invoked from a worker goroutine whenever a complete
// WebSocket text frame arrives.
func NewServer(config ServerConfig, authenticate Authenticator, onFrame func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		authenticate: authenticate,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onFrame:      onFrame,
		done:         make(chan struct{}),
	}
}

// SetOnOpen registers a callback invoked after a connection completes the
// handshake and is registered with the transport.
func (s *Server) SetOnOpen(fn func(conn *Connection)) {
	s.onOpen = fn
}

// SetOnClose registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnClose(fn func(conn *Connection)) {
	s.onClose = fn
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: s.config.AuthTimeout,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and, on success, upgrades it to a
// WebSocket connection registered with the connection manager and epoll. An
// invalid credential refuses the connection with 401 before any upgrade.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.AuthTimeout)
	defer cancel()

	identity, err := s.authenticate(ctx, r)
	if err != nil {
		log.Printf("ws: upgrade refused: %v", err)
		http.Error(w, "invalid or missing credential", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", identity.UserID, err)
		return
	}

	c := &Connection{
		ID:           uuid.New().String(),
		TenantID:     identity.TenantID,
		UserID:       identity.UserID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		LastPing:     time.Now(),
		WriteTimeout: s.config.WriteTimeout,
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	if s.onOpen != nil {
		s.onOpen(c)
	}

	log.Printf("ws: connection open conn=%s tenant=%s user=%s (total=%d)",
		c.ID, c.TenantID, c.UserID, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is
// dispatched to a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames (ping, pong, close) are handled
// without blocking on a data frame that may never arrive. The per-connection
// processing flag guarantees only one worker reads a given connection at a
// time, which is what preserves inbound frame order.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat owns dead-connection detection.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onFrame != nil {
		s.onFrame(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the socket, and notifies the application layer. Exported
// so the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager. This
	// prevents double cleanup when goroutines race to remove the same
	// connection (read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onClose != nil {
		s.onClose(c)
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Connections returns the ConnectionManager for the heartbeat monitor.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: stop the HTTP listener, signal the
// event loop to exit, close all active connections, clean up epoll.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		s.conns.Remove(c.ID)
		if s.onClose != nil {
			s.onClose(c)
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is an interrupted syscall (EINTR), which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
