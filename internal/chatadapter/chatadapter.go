// Package chatadapter is the external control surface: an HTTP status/
// control API plus a websocket stream of C3 events, for the chat/social
// front-end and human operators to watch and steer the supervisor from
// outside the process. Grounded on internal/api/handlers/
// websocket.go hub (register/unregister/broadcast channels, a per-client
// write-pump goroutine, a ping ticker) and internal/api/router.go's
// gorilla/mux route table, generalized from a fixed list of
// strategy-signal topics into every topic the bus carries plus inbound
// chat content routed into the moderation loop (C9).
package chatadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"botcore/internal/eventbus"
	"botcore/internal/logger"
	"botcore/internal/supervisor"
	"botcore/internal/trade"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is the envelope forwarded to every connected client, one per
// relayed bus message or control notice.
type Frame struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Hub fans out bus events to websocket clients and exposes the HTTP
// control surface the supervisor and trade engine are read through.
type Hub struct {
	bus        *eventbus.Bus
	supervisor *supervisor.Supervisor
	engine     *trade.Engine
	log        *logger.Logger

	clients    map[*client]bool
	broadcast  chan Frame
	register   chan *client
	unregister chan *client
	subs       []*eventbus.Subscription
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Frame
}

// relayedTopics lists every bus topic forwarded verbatim to clients.
var relayedTopics = []string{
	eventbus.TopicBuySignal,
	eventbus.TopicSentimentChanged,
	eventbus.TopicNewLearning,
	eventbus.TopicPriceAlert,
	eventbus.TopicTradeProposed,
	eventbus.TopicTradeExecuted,
	eventbus.TopicTradeClosed,
	eventbus.TopicCommandTrip,
	eventbus.TopicDecisionCompleted,
	eventbus.TopicActorModerated,
}

func New(bus *eventbus.Bus, sup *supervisor.Supervisor, engine *trade.Engine, log *logger.Logger) *Hub {
	h := &Hub{
		bus:        bus,
		supervisor: sup,
		engine:     engine,
		log:        log,
		clients:    make(map[*client]bool),
		broadcast:  make(chan Frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
	h.subscribeToBus()
	return h
}

// Run drives the hub's client registry until ctx is canceled, satisfying
// supervisor.Worker so the chat surface restarts like any other
// component if it crashes.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case frame := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- frame:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Health always reports healthy: it checks neither the hub's bus
// subscriptions nor its client registry.
func (h *Hub) Health(ctx context.Context) error {
	return nil
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) subscribeToBus() {
	for _, topic := range relayedTopics {
		topic := topic
		sub := h.bus.Subscribe(topic, eventbus.SubscribeOptions{QueueSize: 128}, func(msg eventbus.Message) {
			h.broadcast <- Frame{Type: topic, Timestamp: msg.PublishedAt, Data: json.RawMessage(msg.Payload)}
		})
		h.subs = append(h.subs, sub)
	}
}

// Router builds the gorilla/mux route table: /healthz and /status for
// polling, /positions for the trade engine's open book, /ws for the
// live event stream, and /content for inbound chat/social text headed
// to the moderation loop.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/positions", h.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/content", h.handleContent).Methods(http.MethodPost)
	r.HandleFunc("/ws", h.handleWebSocket)
	return r
}

func (h *Hub) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.supervisor.Status()
	snap, underPressure, ok := h.supervisor.ResourceStatus()

	resp := struct {
		Components    map[string]string `json:"components"`
		Resources     interface{}       `json:"resources,omitempty"`
		UnderPressure bool              `json:"under_pressure"`
	}{Components: status, UnderPressure: underPressure}
	if ok {
		resp.Resources = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hub) handlePositions(w http.ResponseWriter, r *http.Request) {
	filter := trade.PositionFilter{
		Symbol: r.URL.Query().Get("symbol"),
		Status: r.URL.Query().Get("status"),
	}
	positions, err := h.engine.Positions(filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// handleContent accepts inbound chat/social text and republishes it as
// a content_received event, decoupling this HTTP boundary from the
// moderation loop's subscription the same way every other producer on
// the bus is decoupled from its consumers.
func (h *Hub) handleContent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string `json:"actor_id"`
		Channel string `json:"channel"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.ActorID == "" || body.Text == "" {
		http.Error(w, "actor_id and text are required", http.StatusBadRequest)
		return
	}

	evt := eventbus.NewContentReceivedEvent(body.ActorID, body.Channel, body.Text)
	if _, err := h.bus.Publish(eventbus.TopicContentReceived, eventbus.PriorityNormal, body.ActorID, evt); err != nil {
		h.log.Error("failed to publish content_received", err, "actor_id", body.ActorID)
		http.Error(w, "failed to accept content", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan Frame, 64)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
