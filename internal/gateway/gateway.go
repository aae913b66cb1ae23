// Package gateway drives license events out to long-lived client
// connections: one websocket per installation, subscribed to its
// license/plan rooms on the event bus, with an identify deadline, ping
// heartbeat and slow-consumer disconnection. Missed events are not
// replayed; a reconnecting client re-identifies and issues a check as its
// first operation.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lumenguard/licensed/internal/eventbus"
	"github.com/lumenguard/licensed/internal/validator"
)

// ConnState tracks where a connection is in its lifecycle.
type ConnState int

const (
	StateNew ConnState = iota
	StateIdentified
	StateSubscribed
	StateAlive
	StateClosed
)

const (
	identifyTimeout = 20 * time.Second
	pongWait        = 60 * time.Second
	writeWait       = 10 * time.Second
	closeGrace      = 1 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the single envelope every connection speaks, in both
// directions. Unknown types are ignored, not guessed.
type Message struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckFunc performs the compact check_license equivalent of the HTTP
// check endpoint.
type CheckFunc func(ctx context.Context, clientID, token string) (validator.Result, error)

// PlanFunc resolves the current plan for an identified client, so the
// connection can join its plan room. Empty string skips the plan room.
type PlanFunc func(ctx context.Context, clientID string) string

// Gateway owns the set of live connections and their bus subscriptions.
type Gateway struct {
	bus       *eventbus.Bus
	checkFn   CheckFunc
	planFn    PlanFunc
	isAdminFn func(clientID string) bool
	log       zerolog.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// New constructs a Gateway. planFn may be nil (no plan rooms); isAdminFn
// reports whether an identified client also joins the admin room.
func New(bus *eventbus.Bus, checkFn CheckFunc, planFn PlanFunc, isAdminFn func(clientID string) bool, log zerolog.Logger) *Gateway {
	if planFn == nil {
		planFn = func(context.Context, string) string { return "" }
	}
	if isAdminFn == nil {
		isAdminFn = func(string) bool { return false }
	}
	return &Gateway{
		bus: bus, checkFn: checkFn, planFn: planFn, isAdminFn: isAdminFn,
		log:   log.With().Str("component", "gateway").Logger(),
		conns: make(map[string]*connection),
	}
}

type connection struct {
	id       string
	ws       *websocket.Conn
	send     chan Message
	gw       *Gateway
	mu       sync.Mutex
	state    ConnState
	clientID string
	plan     string

	subs []*eventbus.Subscription
}

// HandleWebSocket upgrades an HTTP request to a Gateway connection and
// drives it until it closes.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &connection{
		id:    uuid.New().String(),
		ws:    ws,
		send:  make(chan Message, eventbus.DefaultQueueSize),
		gw:    g,
		state: StateNew,
	}

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	c.sendMsg(Message{Type: "welcome", Timestamp: time.Now().UTC()})

	go c.writePump()
	c.readPump()
}

func (c *connection) sendMsg(m Message) {
	select {
	case c.send <- m:
	default:
		c.gw.disconnect(c, "slow_consumer")
	}
}

func (c *connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// readPump processes inbound client messages: identify, ping,
// check_license. The first message must be identify, within the identify
// deadline; after that, each ping refreshes the heartbeat deadline.
func (c *connection) readPump() {
	defer c.gw.closeConn(c)

	c.ws.SetReadDeadline(time.Now().Add(identifyTimeout))
	identified := false

	for {
		var in struct {
			Type     string `json:"type"`
			ClientID string `json:"client_id"`
			Version  string `json:"version"`
			Token    string `json:"token"`
		}
		if err := c.ws.ReadJSON(&in); err != nil {
			return
		}

		switch in.Type {
		case "identify":
			if identified {
				continue
			}
			if in.ClientID == "" {
				c.gw.disconnect(c, "identify_missing_client_id")
				return
			}
			c.clientID = in.ClientID
			c.setState(StateIdentified)
			identified = true
			c.ws.SetReadDeadline(time.Now().Add(pongWait))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.plan = c.gw.planFn(ctx, c.clientID)
			cancel()

			c.gw.subscribe(c)
			c.setState(StateSubscribed)
			c.sendMsg(Message{Type: "identified", Timestamp: time.Now().UTC()})
			c.setState(StateAlive)

		case "ping":
			if !identified {
				return
			}
			c.ws.SetReadDeadline(time.Now().Add(pongWait))
			c.sendMsg(Message{Type: "pong", Timestamp: time.Now().UTC()})

		case "check_license":
			if !identified || c.gw.checkFn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			result, err := c.gw.checkFn(ctx, c.clientID, in.Token)
			cancel()
			if err != nil {
				continue
			}
			c.sendMsg(Message{Type: "license_update", Payload: map[string]interface{}{
				"action": "check_result", "outcome": result.Outcome.String(),
			}, Timestamp: time.Now().UTC()})

		default:
			// unknown message types are ignored
		}
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pongWait / 2)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe registers the connection on its license room, its plan room,
// and, for administrators, the admin room.
func (g *Gateway) subscribe(c *connection) {
	topics := []string{eventbus.LicenseTopic(c.clientID)}
	if c.plan != "" {
		topics = append(topics, eventbus.PlanTopic(c.plan))
	}
	if g.isAdminFn(c.clientID) {
		topics = append(topics, eventbus.AdminTopic)
	}

	for _, topic := range topics {
		sub := g.bus.Subscribe(topic, c.id)
		c.subs = append(c.subs, sub)
		go g.pump(c, sub)
	}
}

// pump forwards bus events for one subscription to the connection's send
// channel until the subscription or connection closes.
func (g *Gateway) pump(c *connection, sub *eventbus.Subscription) {
	for ev := range sub.C {
		c.sendMsg(Message{Type: ev.Type, Payload: ev.Payload, Timestamp: time.Now().UTC()})
	}
}

// disconnect closes a connection with a reason carried in the close frame
// (e.g. slow_consumer), so the client library can decide how to reconnect.
func (g *Gateway) disconnect(c *connection, reason string) {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeWait))
	g.closeConn(c)
}

// closeConn drains the outbound queue within the close grace, then
// unsubscribes and removes the connection.
func (g *Gateway) closeConn(c *connection) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	// Give the write pump up to the close grace to flush queued messages.
	deadline := time.NewTimer(closeGrace)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
drain:
	for len(c.send) > 0 {
		select {
		case <-deadline.C:
			break drain
		case <-poll.C:
		}
	}

	for _, sub := range c.subs {
		sub.Close()
	}

	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()

	c.ws.Close()
}

// Shutdown closes every live connection, used by graceful server shutdown.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	conns := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		g.closeConn(c)
	}
}

// ConnectionCount reports the number of live connections, exposed for the
// health and stats endpoints.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}
