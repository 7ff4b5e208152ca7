// Package relay bridges browser websocket connections to the event hub.
//
// Each connection gets an id, announced in a hello message, and manages its
// own run subscriptions with subscribe/unsubscribe messages. Events for every
// subscribed run are interleaved on the one connection; clients demultiplex
// by runId. Nothing is replayed: a client that reconnects and resubscribes
// sees only events published after it resubscribed.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gcdistribution/portal/internal/events"
	"github.com/gcdistribution/portal/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	defaultSendBuffer = 256
)

// Client to server message names.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

// Server to client control message types.
const (
	TypeHello        = "hello"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
)

// Inbound is a message sent by the client.
type Inbound struct {
	Event string `json:"event"`
	Data  struct {
		RunID string `json:"runId"`
	} `json:"data"`
}

// Notice is a control message sent to the client.
type Notice struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	RunID        string `json:"runId,omitempty"`
}

// Envelope is a run event as sent to the client, tagged with its topic name
// such as "run_progress:<runId>".
type Envelope struct {
	Topic string `json:"event"`
	events.Event
}

// Options configures a Relay.
type Options struct {
	// CheckOrigin is passed to the websocket upgrader. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
	// SendBuffer is the per-connection outbound queue length. A connection
	// whose queue fills up is closed.
	SendBuffer int
	Logger     *logging.Logger
}

// Relay owns the live websocket connections.
type Relay struct {
	hub        *events.Hub
	upgrader   websocket.Upgrader
	sendBuffer int
	log        *logging.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// New creates a Relay delivering events from hub.
func New(hub *events.Hub, opts Options) *Relay {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Relay{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		sendBuffer: sendBuffer,
		log:        log,
		conns:      make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", "error", err, "remote", req.RemoteAddr)
		return
	}

	c := &Conn{
		id:    uuid.NewString(),
		relay: r,
		ws:    ws,
		send:  make(chan []byte, r.sendBuffer),
		done:  make(chan struct{}),
		log:   r.log,
	}
	c.log = r.log.With("conn", c.id)

	if !r.register(c) {
		ws.Close()
		return
	}
	c.log.Debug("connection opened", "remote", req.RemoteAddr)

	c.enqueue(Notice{Type: TypeHello, ConnectionID: c.id})
	go c.writePump()
	c.readPump()
}

func (r *Relay) register(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[c.id] = c
	r.wg.Add(2)
	return true
}

func (r *Relay) remove(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()
}

// Attach subscribes connection connID to runID on its behalf. It reports
// false if no such connection is open.
func (r *Relay) Attach(connID, runID string) bool {
	// Holding the lock across Subscribe orders it before the connection's
	// remove, so teardown's UnsubscribeAll always sees the subscription.
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok || c.closed() {
		return false
	}
	return r.hub.Subscribe(c, runID)
}

// Connections returns the number of open connections.
func (r *Relay) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close closes every connection and waits for their goroutines to exit.
// New connections are refused afterwards.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	r.wg.Wait()
}

// Conn is one websocket connection. It is the events.Subscriber registered
// with the hub.
type Conn struct {
	id    string
	relay *Relay
	ws    *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	log   *logging.Logger
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Deliver queues ev for the client. It never blocks; a connection that has
// fallen a full buffer behind is closed.
func (c *Conn) Deliver(ev events.Event) {
	c.enqueue(Envelope{Topic: ev.Topic(), Event: ev})
}

func (c *Conn) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to encode message", "error", err)
		return
	}

	if c.closed() {
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client too slow, closing connection", "queued", len(c.send))
		c.close()
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readPump handles client messages. It owns the connection's teardown:
// when it returns, the connection is gone from the hub and the relay.
func (c *Conn) readPump() {
	defer func() {
		c.close()
		c.relay.remove(c)
		c.relay.hub.UnsubscribeAll(c)
		c.ws.Close()
		c.log.Debug("connection closed")
		c.relay.wg.Done()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug("connection read failed", "error", err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Conn) handle(data []byte) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("ignoring malformed message", "error", err)
		return
	}
	runID := msg.Data.RunID
	if runID == "" {
		return
	}

	switch msg.Event {
	case EventSubscribe:
		if c.relay.hub.Subscribe(c, runID) {
			c.enqueue(Notice{Type: TypeSubscribed, RunID: runID})
		}
	case EventUnsubscribe:
		c.relay.hub.Unsubscribe(c, runID)
		c.enqueue(Notice{Type: TypeUnsubscribed, RunID: runID})
	default:
		c.log.Debug("ignoring unknown message", "event", msg.Event)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.relay.wg.Done()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
