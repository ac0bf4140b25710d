// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous is the signaling relay peers use to find each
// other. Each peer endpoint holds one websocket to a Hub; the hub
// forwards every signal to the endpoint named in its "to" field and
// stamps "from" with the sender's registered endpoint. Hubs running in
// separate processes share signals over a Bus.
package rendezvous

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/tether/lib/netutil"
	"github.com/bureau-foundation/tether/transport"
)

const (
	// SignalPath is the websocket route. The endpoint name is the
	// "endpoint" query parameter.
	SignalPath = "/v1/signal"

	// HealthPath reports the number of registered endpoints.
	HealthPath = "/v1/health"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	sendBuffer     = 32
	publishTimeout = 5 * time.Second
)

// Config configures a Hub.
type Config struct {
	// Bus, when set, carries signals for endpoints registered on other
	// hub instances. The caller owns it.
	Bus Bus

	// InstanceID identifies this hub on the bus. Defaults to a random
	// UUID.
	InstanceID string

	Logger *slog.Logger
}

// Hub holds the registered endpoints of one rendezvous instance.
type Hub struct {
	id       string
	bus      Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	mu      sync.Mutex
	clients map[string]*client
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewHub(config Config) *Hub {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	h := &Hub{
		id:     config.InstanceID,
		bus:    config.Bus,
		logger: config.Logger.With("instance", config.InstanceID),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are native clients, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}

	router := mux.NewRouter()
	router.HandleFunc(SignalPath, h.handleSignal).Methods(http.MethodGet)
	router.HandleFunc(HealthPath, h.handleHealth).Methods(http.MethodGet)
	h.router = router

	if h.bus != nil {
		h.wg.Add(1)
		go h.consumeBus()
	}
	return h
}

// Handler returns the hub's HTTP routes.
func (h *Hub) Handler() http.Handler { return h.router }

// Endpoints returns the locally registered endpoint names, sorted.
func (h *Hub) Endpoints() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.clients))
	for name := range h.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close disconnects every client and waits for their pumps to exit.
// It does not close the bus.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		clients := make([]*client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		clear(h.clients)
		h.mu.Unlock()

		close(h.done)
		for _, c := range clients {
			c.stop()
		}
	})
	h.wg.Wait()
	return nil
}

func (h *Hub) handleSignal(writer http.ResponseWriter, request *http.Request) {
	endpoint := request.URL.Query().Get("endpoint")
	if endpoint == "" {
		http.Error(writer, "endpoint query parameter is required", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(writer, "rendezvous is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "endpoint", endpoint, "error", err)
		return
	}
	c := &client{
		hub:      h,
		endpoint: endpoint,
		conn:     conn,
		send:     make(chan transport.Signal, sendBuffer),
		done:     make(chan struct{}),
		logger:   h.logger.With("endpoint", endpoint),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	count := len(h.clients)
	h.mu.Unlock()
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]any{
		"instance":  h.id,
		"endpoints": count,
	})
}

// register installs c, replacing any connection already holding the
// same endpoint, and accounts for its two pumps.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	previous := h.clients[c.endpoint]
	h.clients[c.endpoint] = c
	h.wg.Add(2)
	h.mu.Unlock()

	if previous != nil {
		c.logger.Info("endpoint re-registered, replacing previous connection")
		previous.stop()
	} else {
		c.logger.Info("endpoint registered")
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	removed := false
	if h.clients[c.endpoint] == c {
		delete(h.clients, c.endpoint)
		removed = true
	}
	h.mu.Unlock()
	if removed {
		c.logger.Info("endpoint unregistered")
	}
}

// route forwards a signal read from sender.
func (h *Hub) route(sender *client, signal transport.Signal) {
	signal.From = sender.endpoint
	if signal.To == "" {
		sender.logger.Debug("dropping signal without target", "kind", signal.Kind)
		return
	}
	if h.deliverLocal(signal) {
		return
	}
	if h.bus == nil {
		sender.logger.Debug("dropping signal for absent endpoint", "to", signal.To, "kind", signal.Kind)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.bus.Publish(ctx, BusMessage{Origin: h.id, Signal: signal}); err != nil {
		sender.logger.Warn("forwarding signal to bus failed", "to", signal.To, "error", err)
	}
}

// deliverLocal reports whether signal.To is registered here.
func (h *Hub) deliverLocal(signal transport.Signal) bool {
	h.mu.Lock()
	target := h.clients[signal.To]
	h.mu.Unlock()
	if target == nil {
		return false
	}
	target.enqueue(signal)
	return true
}

func (h *Hub) consumeBus() {
	defer h.wg.Done()
	messages := h.bus.Messages()
	for {
		select {
		case <-h.done:
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			if message.Origin == h.id {
				continue
			}
			h.deliverLocal(message.Signal)
		}
	}
}

// client is one registered websocket.
type client struct {
	hub      *Hub
	endpoint string
	conn     *websocket.Conn
	send     chan transport.Signal
	logger   *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// enqueue drops the signal when the client cannot keep up. Signals are
// retried by the peers' own timeouts.
func (c *client) enqueue(signal transport.Signal) {
	select {
	case c.send <- signal:
	case <-c.done:
	default:
		c.logger.Warn("send buffer full, dropping signal", "kind", signal.Kind, "from", signal.From)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:realclock // kernel I/O deadline
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:realclock // kernel I/O deadline
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				c.logger.Debug("signal read ended", "error", err)
			}
			return
		}
		var signal transport.Signal
		if err := json.Unmarshal(data, &signal); err != nil {
			c.logger.Debug("dropping malformed signal", "error", err)
			continue
		}
		c.hub.route(c, signal)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod) //nolint:realclock // websocket keepalive
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()
	for {
		select {
		case signal := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:realclock // kernel I/O deadline
			if err := c.conn.WriteJSON(signal); err != nil {
				c.logger.Debug("signal write failed", "error", err)
				c.stop()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:realclock // kernel I/O deadline
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait)) //nolint:realclock // kernel I/O deadline
			return
		}
	}
}
