// Package status serves a read-only live view of the coordinator over
// WebSocket. Clients connect to /ws and receive a JSON snapshot after
// every coordinator state change; they never send commands back.
package status

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tagherd/tagherd/internal/scheduler"
)

// channelBufferSize absorbs snapshot bursts without blocking the
// coordinator. When a buffer fills, snapshots are dropped; the next one
// carries the full state anyway.
const channelBufferSize = 64

// Server broadcasts coordinator snapshots to connected clients.
type Server struct {
	addr     string
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
	stopped bool
	latest  *scheduler.Snapshot

	broadcast  chan scheduler.Snapshot
	httpServer *http.Server
	boundAddr  string
}

type client struct {
	conn *websocket.Conn
	send chan scheduler.Snapshot
	done chan struct{}
}

// NewServer creates a status server listening on addr (e.g.
// "127.0.0.1:7071").
func NewServer(addr string) *Server {
	return &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			// Trusted local network; same assumption the relays make.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:   make(map[*client]bool),
		broadcast: make(chan scheduler.Snapshot, channelBufferSize),
	}
}

// Start begins listening and serving WebSocket connections.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status listen on %s: %w", s.addr, err)
	}
	s.httpServer = &http.Server{Handler: mux}
	s.boundAddr = ln.Addr().String()

	go s.runBroadcaster()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("status: server error: %v", err)
		}
	}()
	log.Printf("status: listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, useful when addr had port 0.
func (s *Server) Addr() string {
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// Stop closes all client connections and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.broadcast)
	for c := range s.clients {
		close(c.done)
		c.conn.Close()
	}
	s.clients = make(map[*client]bool)
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Publish queues a snapshot for broadcast. Non-blocking: the
// coordinator calls this from its loop and must never wait on a slow
// status client.
func (s *Server) Publish(snap scheduler.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.broadcast <- snap:
	default:
	}
}

func (s *Server) runBroadcaster() {
	for snap := range s.broadcast {
		s.mu.Lock()
		snapCopy := snap
		s.latest = &snapCopy
		for c := range s.clients {
			select {
			case <-c.done:
			case c.send <- snap:
			default:
				// Slow client; drop, the next snapshot supersedes.
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("status: upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan scheduler.Snapshot, channelBufferSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = true
	if s.latest != nil {
		c.send <- *s.latest
	}
	s.mu.Unlock()
	log.Printf("status: client connected from %s", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)
}

// writeLoop serializes snapshots to one client.
func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case snap := <-c.send:
			if err := c.conn.WriteJSON(snap); err != nil {
				log.Printf("status: write failed, dropping client: %v", err)
				s.drop(c)
				return
			}
		}
	}
}

// readLoop discards inbound frames until the connection closes. The
// endpoint is read-only; reading is still required to process control
// frames and notice disconnects.
func (s *Server) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.drop(c)
			return
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.clients[c] {
		return
	}
	delete(s.clients, c)
	close(c.done)
	c.conn.Close()
	log.Printf("status: client disconnected")
}
