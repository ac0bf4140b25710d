// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/delivery"
	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/pairing"
	"github.com/bureau-foundation/tether/lib/testutil"
	"github.com/bureau-foundation/tether/quality"
	"github.com/bureau-foundation/tether/transport"
	"github.com/bureau-foundation/tether/tunnel"
)

// inbox collects the text of received message envelopes.
type inbox struct {
	mu    sync.Mutex
	texts []string
}

func (i *inbox) add(envelope delivery.Envelope) {
	var text string
	envelope.Decode(&text)
	i.mu.Lock()
	defer i.mu.Unlock()
	i.texts = append(i.texts, text)
}

func (i *inbox) get() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.texts)
}

type keys struct {
	mu       sync.Mutex
	payloads []tunnel.MasterKeyPayload
}

func (k *keys) add(payload tunnel.MasterKeyPayload) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.payloads = append(k.payloads, payload)
}

func (k *keys) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.payloads)
}

type side struct {
	session *Session
	inbox   *inbox
	keys    *keys
}

func newSide(t *testing.T, local, remote string, link *transport.MemoryLink, fake *clock.FakeClock) *side {
	t.Helper()
	s := &side{inbox: &inbox{}, keys: &keys{}}
	session, err := New(Config{
		LocalID:  local,
		RemoteID: remote,
		Connect: func(resolved pairing.Pairing) (transport.Connector, error) {
			return link.Connector(resolved.Role), nil
		},
		OnMasterKey: s.keys.add,
		Clock:       fake,
		Logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New(%s): %v", local, err)
	}
	t.Cleanup(func() { session.Close() })
	session.Delivery().Subscribe(delivery.TypeMessage, s.inbox.add)
	s.session = session
	return s
}

// drive advances the fake clock in small steps until condition holds.
func drive(t *testing.T, fake *clock.FakeClock, condition func() bool, message string) {
	t.Helper()
	testutil.Eventually(t, 10*time.Second, func() bool {
		if condition() {
			return true
		}
		fake.Advance(100 * time.Millisecond)
		return condition()
	}, message)
}

func established(sides ...*side) func() bool {
	return func() bool {
		for _, s := range sides {
			if s.session.State() != transport.StateTunnelEstablished {
				return false
			}
		}
		return true
	}
}

func newPair(t *testing.T) (alice, bob *side, link *transport.MemoryLink, fake *clock.FakeClock) {
	t.Helper()
	fake = clock.Fake(time.Unix(1_700_000_000, 0))
	link = transport.NewMemoryLink()
	alice = newSide(t, "alice", "bob", link, fake)
	bob = newSide(t, "bob", "alice", link, fake)
	return alice, bob, link, fake
}

func start(t *testing.T, sides ...*side) {
	t.Helper()
	for _, s := range sides {
		if err := s.session.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
}

func send(t *testing.T, s *side, text string) {
	t.Helper()
	envelope, err := s.session.Delivery().Envelope(delivery.TypeMessage, text)
	if err != nil {
		t.Fatalf("Envelope: %v", err)
	}
	if _, err := s.session.Delivery().Send(envelope); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSession_HandshakeEstablishesTunnelWithSharedMasterKey(t *testing.T) {
	alice, bob, _, fake := newPair(t)
	if alice.session.Pairing().Role != pairing.Initiator || bob.session.Pairing().Role != pairing.Responder {
		t.Fatalf("roles = %s/%s", alice.session.Pairing().Role, bob.session.Pairing().Role)
	}
	start(t, bob, alice)

	drive(t, fake, established(alice, bob), "tunnel established on both sides")
	aliceKey, ok := alice.session.MasterKey()
	if !ok {
		t.Fatal("alice has no master key")
	}
	bobKey, ok := bob.session.MasterKey()
	if !ok {
		t.Fatal("bob has no master key")
	}
	if !aliceKey.Equal(bobKey) {
		t.Error("master keys differ")
	}
	if aliceKey.CreatorID != "alice" {
		t.Errorf("CreatorID = %q, want the initiator", aliceKey.CreatorID)
	}
	if alice.keys.count() != 1 || bob.keys.count() != 1 {
		t.Errorf("OnMasterKey calls = %d/%d, want 1/1", alice.keys.count(), bob.keys.count())
	}
	if alice.session.HandshakeState() != tunnel.StateEstablished {
		t.Errorf("handshake state = %s", alice.session.HandshakeState())
	}
}

func TestSession_SelfPairingRejectedBeforeConnect(t *testing.T) {
	tests := []struct {
		name          string
		local, remote string
		want          error
	}{
		{"self", "alice", "alice", pairing.ErrSelfPairing},
		{"missing local", "", "bob", pairing.ErrMissingIdentity},
		{"missing remote", "alice", "", pairing.ErrMissingIdentity},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			connected := false
			_, err := New(Config{
				LocalID:  test.local,
				RemoteID: test.remote,
				Connect: func(pairing.Pairing) (transport.Connector, error) {
					connected = true
					return transport.NewMemoryLink().Connector(pairing.Initiator), nil
				},
			})
			if !errors.Is(err, test.want) {
				t.Errorf("err = %v, want %v", err, test.want)
			}
			var identityErr *pairing.IdentityError
			if !errors.As(err, &identityErr) {
				t.Errorf("err %T is not an IdentityError", err)
			}
			if connected {
				t.Error("Connect was called for invalid identities")
			}
		})
	}
}

func TestSession_QueuedMessagesFlushInOrderOnce(t *testing.T) {
	alice, bob, _, fake := newPair(t)

	want := []string{"one", "two", "three", "four"}
	for _, text := range want {
		send(t, alice, text)
	}
	if alice.session.Delivery().Pending() != len(want) {
		t.Fatalf("Pending = %d before connecting", alice.session.Delivery().Pending())
	}

	start(t, bob, alice)
	drive(t, fake, func() bool { return len(bob.inbox.get()) == len(want) }, "bob receives the queue")
	if got := bob.inbox.get(); !slices.Equal(got, want) {
		t.Errorf("bob received %v, want %v", got, want)
	}
	drive(t, fake, func() bool { return alice.session.Delivery().AwaitingAck() == 0 }, "alice receives acks")

	fake.Advance(time.Second)
	if got := bob.inbox.get(); len(got) != len(want) {
		t.Errorf("bob received %d messages after settling, want %d", len(got), len(want))
	}
}

func TestSession_ReconnectReestablishesWithSameMasterKey(t *testing.T) {
	alice, bob, link, fake := newPair(t)
	start(t, bob, alice)
	drive(t, fake, established(alice, bob), "first tunnel")
	first, _ := alice.session.MasterKey()

	link.Sever()
	drive(t, fake, func() bool { return alice.session.State() != transport.StateTunnelEstablished }, "alice notices the loss")
	send(t, alice, "after the drop")

	drive(t, fake, established(alice, bob), "tunnel re-established")
	second, _ := bob.session.MasterKey()
	if !first.Equal(second) {
		t.Error("master key changed across reconnect")
	}
	drive(t, fake, func() bool { return slices.Contains(bob.inbox.get(), "after the drop") }, "queued message delivered")
	if alice.keys.count() != 2 {
		t.Errorf("OnMasterKey calls = %d, want 2", alice.keys.count())
	}
}

func TestSession_DuplicateChannelDoesNotDuplicateDelivery(t *testing.T) {
	alice, bob, link, fake := newPair(t)
	start(t, bob, alice)
	drive(t, fake, established(alice, bob), "tunnel")

	duplicate := link.Open(pairing.Responder)
	testutil.Eventually(t, 5*time.Second, func() bool { return !duplicate.Ready() }, "duplicate closed")

	send(t, alice, "only once")
	drive(t, fake, func() bool { return len(bob.inbox.get()) == 1 }, "delivery")
	fake.Advance(time.Second)
	if got := bob.inbox.get(); !slices.Equal(got, []string{"only once"}) {
		t.Errorf("bob received %v", got)
	}
	if bob.session.State() != transport.StateTunnelEstablished {
		t.Errorf("bob state = %s", bob.session.State())
	}
}

func TestSession_QualityFollowsChannel(t *testing.T) {
	alice, bob, link, fake := newPair(t)
	link.SetStats(transport.ChannelStats{RTT: 150 * time.Millisecond, LossPercent: 3})
	start(t, bob, alice)
	drive(t, fake, established(alice, bob), "tunnel")

	drive(t, fake, func() bool { return alice.session.Quality() == quality.Fair }, "quality sampled")

	link.Sever()
	drive(t, fake, func() bool { return alice.session.Quality() == quality.Searching }, "quality resets on loss")
}

func TestSession_CloseTearsEverythingDown(t *testing.T) {
	alice, bob, _, fake := newPair(t)
	start(t, bob, alice)
	drive(t, fake, established(alice, bob), "tunnel")

	if err := alice.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if alice.session.State() != transport.StateClosed {
		t.Errorf("state = %s, want closed", alice.session.State())
	}
	if _, ok := alice.session.MasterKey(); ok {
		t.Error("master key survived Close")
	}
	if alice.session.Quality() != quality.Searching {
		t.Errorf("quality = %s", alice.session.Quality())
	}
	if err := alice.session.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	drive(t, fake, func() bool { return bob.session.State() != transport.StateTunnelEstablished }, "bob sees the teardown")
}

func TestContext_CarriesSession(t *testing.T) {
	alice, _, _, _ := newPair(t)
	ctx := NewContext(context.Background(), alice.session)
	got, ok := FromContext(ctx)
	if !ok || got != alice.session {
		t.Errorf("FromContext = %v, %v", got, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext found a session in an empty context")
	}
}
