package local

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"edunotify/internal/notification"
	logx "edunotify/pkg/logx"
)

const (
	relayWriteWait  = 10 * time.Second
	relaySendBuffer = 16
)

// Relay is the server side of the push channel: clients connect with
// ?token=... and receive every notification published for that token.
type Relay struct {
	upgrader websocket.Upgrader
	log      logx.Logger

	mu      sync.RWMutex
	clients map[string]map[*relayClient]struct{}
}

type relayClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewRelay(log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Relay{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log.With(logx.String("comp", "relay")),
		clients:  map[string]map[*relayClient]struct{}{},
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("relay upgrade failed", logx.Err(err))
		return
	}
	c := &relayClient{conn: conn, send: make(chan []byte, relaySendBuffer)}
	r.add(token, c)
	defer r.remove(token, c)

	go c.writeLoop()
	// Read until the peer goes away; clients never send anything useful.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *relayClient) writeLoop() {
	defer c.conn.Close()
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (r *Relay) add(token string, c *relayClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[token] == nil {
		r.clients[token] = map[*relayClient]struct{}{}
	}
	r.clients[token][c] = struct{}{}
}

func (r *Relay) remove(token string, c *relayClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.clients[token]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(r.clients, token)
	}
}

// Publish sends n to every client connected with token and returns how
// many were reached. Slow clients are skipped.
func (r *Relay) Publish(token string, n notification.Notification) (int, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return 0, err
	}
	frame, err := json.Marshal(WireMessage{Type: wireNotification, Data: data})
	if err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sent := 0
	for c := range r.clients[token] {
		select {
		case c.send <- frame:
			sent++
		default:
			r.log.Warn("relay client too slow, dropping frame", logx.String("id", n.ID))
		}
	}
	return sent, nil
}

// Subscribers reports how many clients are connected for token.
func (r *Relay) Subscribers(token string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[token])
}

// Close disconnects every client.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, set := range r.clients {
		for c := range set {
			close(c.send)
		}
		delete(r.clients, token)
	}
}
