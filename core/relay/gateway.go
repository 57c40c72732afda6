package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/compiler-explorer/compile-bridge/core/infra/logging"
)

const writeDeadline = 5 * time.Second

// Gateway is the persistent-connection endpoint. It upgrades HTTP requests
// to websockets, assigns connection identifiers, and feeds inbound frames to
// the relay. It is also the relay's Sender for locally attached connections.
type Gateway struct {
	relay *Relay

	mu    sync.RWMutex
	conns map[string]*gwConn
}

type gwConn struct {
	ws *websocket.Conn
	// guards writes; reads stay on the per-connection goroutine.
	mu sync.Mutex
}

// NewGateway builds a gateway over a relay.
func NewGateway(r *Relay) *Gateway {
	return &Gateway{relay: r, conns: make(map[string]*gwConn)}
}

// Clients are bridge handlers and workers, not browsers.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWS serves one websocket connection for its whole lifetime.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	connID := uuid.NewString()
	ctx := r.Context()

	if err := g.relay.HandleConnect(ctx, connID); err != nil {
		logging.Error("gateway", "connect registration failed", "conn", connID, "error", err)
		_ = ws.Close()
		return
	}
	g.mu.Lock()
	g.conns[connID] = &gwConn{ws: ws}
	g.mu.Unlock()
	logging.Info("gateway", "connected", "conn", connID, "remote", r.RemoteAddr)

	defer func() {
		g.drop(connID)
		if err := g.relay.HandleDisconnect(context.WithoutCancel(ctx), connID); err != nil {
			logging.Error("gateway", "disconnect cleanup failed", "conn", connID, "error", err)
		}
		logging.Info("gateway", "disconnected", "conn", connID)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := g.relay.HandleMessage(ctx, connID, data, g); err != nil {
			logging.Error("gateway", "message handling failed", "conn", connID, "error", err)
			// Report the failure to the sender on its own connection.
			_ = g.Send(ctx, connID, []byte("error: "+err.Error()))
		}
	}
}

// Send delivers a payload to a locally attached connection. A connection
// that is unknown or unwritable reports ErrGone so the relay can clean up.
func (g *Gateway) Send(_ context.Context, connID string, payload []byte) error {
	g.mu.RLock()
	conn, ok := g.conns[connID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrGone, connID)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		g.drop(connID)
		_ = conn.ws.Close()
		return fmt.Errorf("%w: %s: %v", ErrGone, connID, err)
	}
	return nil
}

func (g *Gateway) drop(connID string) {
	g.mu.Lock()
	delete(g.conns, connID)
	g.mu.Unlock()
}
