// Package websocket streams the node's event bus to connected clients.
// Decisions, alerts, suggestions, and sealed blocks arrive as JSON
// frames in publish order.
package websocket

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/arbiternet/arbiter/internal/events"
)

// Streamer fans bus events out to websocket clients. A slow client is
// dropped rather than allowed to stall the hub.
type Streamer struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan *events.Event
}

func NewStreamer(bus *events.Bus) *Streamer {
	return &Streamer{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  log.New(log.Writer(), "[WS] ", log.LstdFlags),
		clients: make(map[*websocket.Conn]chan *events.Event),
	}
}

// Run pumps every bus event to all connected clients until the context
// is cancelled.
func (s *Streamer) Run(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case e, ok := <-sub:
			if !ok {
				s.closeAll()
				return
			}
			s.mu.Lock()
			for conn, ch := range s.clients {
				select {
				case ch <- e:
				default:
					// Backed-up client: disconnect it.
					delete(s.clients, conn)
					close(ch)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Handle upgrades one HTTP request to a websocket subscription.
func (s *Streamer) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}

	ch := make(chan *events.Event, 64)
	s.mu.Lock()
	s.clients[conn] = ch
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("client connected (total %d)", total)

	// Writer: one goroutine per client so a stuck peer never blocks
	// the hub loop.
	go func() {
		for e := range ch {
			if err := conn.WriteJSON(e); err != nil {
				break
			}
		}
		s.drop(conn)
	}()

	// Reader: discard inbound frames, detect disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		s.drop(conn)
	}()
}

// ClientCount reports connected clients.
func (s *Streamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Streamer) drop(conn *websocket.Conn) {
	s.mu.Lock()
	ch, ok := s.clients[conn]
	if ok {
		delete(s.clients, conn)
		close(ch)
	}
	total := len(s.clients)
	s.mu.Unlock()
	conn.Close()
	if ok {
		s.logger.Printf("client disconnected (total %d)", total)
	}
}

func (s *Streamer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.clients {
		close(ch)
		conn.Close()
		delete(s.clients, conn)
	}
}
