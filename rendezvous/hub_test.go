// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/tether/lib/pairing"
	"github.com/bureau-foundation/tether/lib/testutil"
	"github.com/bureau-foundation/tether/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startHub(t *testing.T, config Config) (*Hub, *httptest.Server) {
	t.Helper()
	if config.Logger == nil {
		config.Logger = testLogger()
	}
	hub := NewHub(config)
	server := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, server
}

func signalURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + SignalPath
}

// dial opens a raw websocket for endpoint and waits until the hub has
// registered it.
func dial(t *testing.T, hub *Hub, server *httptest.Server, endpoint string) *websocket.Conn {
	t.Helper()
	conn, response, err := websocket.DefaultDialer.Dial(signalURL(server)+"?endpoint="+url.QueryEscape(endpoint), nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		t.Fatalf("dialing %s: %v", endpoint, err)
	}
	t.Cleanup(func() { conn.Close() })
	testutil.Eventually(t, 5*time.Second, func() bool {
		return slices.Contains(hub.Endpoints(), endpoint)
	}, "hub registers %s", endpoint)
	return conn
}

// readSignals pumps conn into a channel. The channel closes when the
// connection ends.
func readSignals(conn *websocket.Conn) <-chan transport.Signal {
	signals := make(chan transport.Signal, 16)
	go func() {
		defer close(signals)
		for {
			var signal transport.Signal
			if err := conn.ReadJSON(&signal); err != nil {
				return
			}
			signals <- signal
		}
	}()
	return signals
}

func TestHub_RoutesByTargetAndStampsSender(t *testing.T) {
	hub, server := startHub(t, Config{})
	alice := dial(t, hub, server, "alice")
	bob := dial(t, hub, server, "bob")
	bobSignals := readSignals(bob)

	// A spoofed From is overwritten with the registered endpoint.
	if err := alice.WriteJSON(transport.Signal{Kind: transport.SignalOffer, From: "mallory", To: "bob", SDP: "v=0"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	got := testutil.RequireReceive(t, bobSignals, 5*time.Second, "bob receives offer")
	want := transport.Signal{Kind: transport.SignalOffer, From: "alice", To: "bob", SDP: "v=0"}
	if got != want {
		t.Errorf("signal = %+v, want %+v", got, want)
	}
}

func TestHub_DropsSignalForAbsentEndpoint(t *testing.T) {
	hub, server := startHub(t, Config{})
	alice := dial(t, hub, server, "alice")
	bob := dial(t, hub, server, "bob")
	bobSignals := readSignals(bob)

	for _, signal := range []transport.Signal{
		{Kind: transport.SignalWake, To: "nobody"},
		{Kind: transport.SignalWake},
		{Kind: transport.SignalWake, To: "bob"},
	} {
		if err := alice.WriteJSON(signal); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}
	got := testutil.RequireReceive(t, bobSignals, 5*time.Second, "bob receives wake")
	if got.To != "bob" || got.From != "alice" {
		t.Errorf("first delivered signal = %+v", got)
	}
}

func TestHub_MalformedFrameKeepsConnection(t *testing.T) {
	hub, server := startHub(t, Config{})
	alice := dial(t, hub, server, "alice")
	bob := dial(t, hub, server, "bob")
	bobSignals := readSignals(bob)

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"kind":`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"kind":7}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := alice.WriteJSON(transport.Signal{Kind: transport.SignalAnswer, To: "bob", SDP: "v=0"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	got := testutil.RequireReceive(t, bobSignals, 5*time.Second, "bob receives answer")
	if got.Kind != transport.SignalAnswer {
		t.Errorf("kind = %q, want %q", got.Kind, transport.SignalAnswer)
	}
}

func TestHub_DuplicateRegistrationReplacesPrevious(t *testing.T) {
	hub, server := startHub(t, Config{})
	alice := dial(t, hub, server, "alice")
	stale := dial(t, hub, server, "bob")
	staleSignals := readSignals(stale)
	fresh := dial(t, hub, server, "bob")
	freshSignals := readSignals(fresh)

	// The replaced socket is closed by the hub.
	for range staleSignals {
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		return slices.Equal(hub.Endpoints(), []string{"alice", "bob"})
	}, "stale unregister leaves fresh registration in place")

	if err := alice.WriteJSON(transport.Signal{Kind: transport.SignalWake, To: "bob"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	got := testutil.RequireReceive(t, freshSignals, 5*time.Second, "fresh socket receives wake")
	if got.From != "alice" {
		t.Errorf("from = %q", got.From)
	}
}

func TestHub_RejectsMissingEndpoint(t *testing.T) {
	_, server := startHub(t, Config{})
	response, err := http.Get(server.URL + SignalPath)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", response.StatusCode, http.StatusBadRequest)
	}
}

func TestHub_Health(t *testing.T) {
	hub, server := startHub(t, Config{InstanceID: "rv-1"})
	dial(t, hub, server, "alice")

	response, err := http.Get(server.URL + HealthPath)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer response.Body.Close()
	var health struct {
		Instance  string `json:"instance"`
		Endpoints int    `json:"endpoints"`
	}
	if err := json.NewDecoder(response.Body).Decode(&health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Instance != "rv-1" || health.Endpoints != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub, server := startHub(t, Config{})
	alice := dial(t, hub, server, "alice")
	signals := readSignals(alice)

	hub.Close()
	for range signals {
	}
	if endpoints := hub.Endpoints(); len(endpoints) != 0 {
		t.Errorf("endpoints after Close = %v", endpoints)
	}

	_, response, err := websocket.DefaultDialer.Dial(signalURL(server)+"?endpoint=bob", nil)
	if err == nil {
		t.Fatal("dial after Close succeeded")
	}
	if response == nil || response.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("dial after Close response = %v", response)
	}
}

func TestHub_BusForwardsAcrossInstances(t *testing.T) {
	network := NewMemoryBusNetwork()
	busA, busB := network.Bus(), network.Bus()
	defer busA.Close()
	defer busB.Close()

	hubA, serverA := startHub(t, Config{Bus: busA, InstanceID: "a"})
	hubB, serverB := startHub(t, Config{Bus: busB, InstanceID: "b"})

	alice := dial(t, hubA, serverA, "alice")
	aliceSignals := readSignals(alice)
	bob := dial(t, hubB, serverB, "bob")
	bobSignals := readSignals(bob)

	if err := alice.WriteJSON(transport.Signal{Kind: transport.SignalOffer, To: "bob", SDP: "offer"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	offer := testutil.RequireReceive(t, bobSignals, 5*time.Second, "offer crosses instances")
	if offer.From != "alice" || offer.SDP != "offer" {
		t.Errorf("offer = %+v", offer)
	}

	if err := bob.WriteJSON(transport.Signal{Kind: transport.SignalAnswer, To: "alice", SDP: "answer"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	answer := testutil.RequireReceive(t, aliceSignals, 5*time.Second, "answer crosses back")
	if answer.From != "bob" || answer.SDP != "answer" {
		t.Errorf("answer = %+v", answer)
	}
}

func TestHub_BusNotUsedForLocalTarget(t *testing.T) {
	network := NewMemoryBusNetwork()
	bus := network.Bus()
	observer := network.Bus()
	defer bus.Close()
	defer observer.Close()

	hub, server := startHub(t, Config{Bus: bus})
	alice := dial(t, hub, server, "alice")
	bob := dial(t, hub, server, "bob")
	bobSignals := readSignals(bob)

	if err := alice.WriteJSON(transport.Signal{Kind: transport.SignalWake, To: "bob"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	testutil.RequireReceive(t, bobSignals, 5*time.Second, "local delivery")

	if err := alice.WriteJSON(transport.Signal{Kind: transport.SignalWake, To: "carol"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	published := testutil.RequireReceive(t, observer.Messages(), 5*time.Second, "absent target goes to bus")
	if published.Signal.To != "carol" {
		t.Errorf("first bus message = %+v, want the signal for carol", published)
	}
}

func TestHub_ServesWebSocketSignalers(t *testing.T) {
	hub, server := startHub(t, Config{})
	paired, err := pairing.Resolve("alice", "bob")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	endpoints := paired.Endpoints

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	local, err := transport.NewWebSocketSignaler(signalURL(server), endpoints.Local, testLogger())
	if err != nil {
		t.Fatalf("NewWebSocketSignaler: %v", err)
	}
	defer local.Close()
	remote, err := transport.NewWebSocketSignaler(signalURL(server), endpoints.Remote, testLogger())
	if err != nil {
		t.Fatalf("NewWebSocketSignaler: %v", err)
	}
	defer remote.Close()

	for _, signaler := range []*transport.WebSocketSignaler{local, remote} {
		if err := signaler.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(hub.Endpoints()) == 2
	}, "both signalers registered")

	if err := local.Publish(ctx, transport.Signal{Kind: transport.SignalWake, To: endpoints.Remote}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := testutil.RequireReceive(t, remote.Signals(), 5*time.Second, "remote receives wake")
	if got.From != endpoints.Local || got.Kind != transport.SignalWake {
		t.Errorf("signal = %+v", got)
	}
}
