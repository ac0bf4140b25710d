// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/tether/lib/testutil"
)

// echoServer accepts one websocket and reflects each signal back to
// its sender, addressed to the sender.
func echoServer(t *testing.T) (*httptest.Server, <-chan string) {
	t.Helper()
	endpoints := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		endpoint := request.URL.Query().Get("endpoint")
		endpoints <- endpoint
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var signal Signal
			if err := conn.ReadJSON(&signal); err != nil {
				return
			}
			signal.To, signal.From = signal.From, "echo"
			if err := conn.WriteJSON(signal); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, endpoints
}

func TestWebSocketSignaler_ConnectPublishReceive(t *testing.T) {
	server, endpoints := echoServer(t)
	signaler, err := NewWebSocketSignaler("ws"+strings.TrimPrefix(server.URL, "http")+"/v1/signal", "alice|bob#initiator", testLogger())
	if err != nil {
		t.Fatalf("NewWebSocketSignaler: %v", err)
	}
	defer signaler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := signaler.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if endpoint := testutil.RequireReceive(t, endpoints, time.Second, "server sees endpoint"); endpoint != "alice|bob#initiator" {
		t.Errorf("endpoint query = %q", endpoint)
	}
	// A second Connect on a live socket is a no-op.
	if err := signaler.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	if err := signaler.Publish(ctx, Signal{Kind: SignalWake, To: "alice|bob#responder"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	echoed := testutil.RequireReceive(t, signaler.Signals(), 5*time.Second, "echoed signal")
	if echoed.Kind != SignalWake || echoed.From != "echo" {
		t.Errorf("echoed = %+v", echoed)
	}
}

func TestWebSocketSignaler_PublishBeforeConnect(t *testing.T) {
	signaler, err := NewWebSocketSignaler("ws://127.0.0.1:1/v1/signal", "a|b#initiator", nil)
	if err != nil {
		t.Fatalf("NewWebSocketSignaler: %v", err)
	}
	if err := signaler.Publish(context.Background(), Signal{Kind: SignalWake}); !errors.Is(err, ErrSignalingDown) {
		t.Errorf("Publish = %v, want ErrSignalingDown", err)
	}
	signaler.Close()
	if err := signaler.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestNewWebSocketSignaler_Validation(t *testing.T) {
	if _, err := NewWebSocketSignaler("http://example.net/v1/signal", "a", nil); err == nil {
		t.Error("accepted an http URL")
	}
	if _, err := NewWebSocketSignaler("ws://example.net/v1/signal", "", nil); err == nil {
		t.Error("accepted an empty endpoint")
	}
}
