// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/testutil"
)

type peer struct {
	manager *Manager
	bearer  *bearer
	media   *fakeMedia
	devices *fakeDevices
	events  chan Event
}

type peerOptions struct {
	noMedia         bool
	connect         bool
	fallbackTimeout time.Duration
}

func newPeer(t *testing.T, link *bearer, fake *clock.FakeClock, options peerOptions) *peer {
	t.Helper()
	p := &peer{
		bearer:  link,
		media:   &fakeMedia{connect: options.connect},
		devices: newFakeDevices(),
	}
	config := Config{
		Bearer:          link,
		Devices:         p.devices,
		FallbackTimeout: options.fallbackTimeout,
		Clock:           fake,
		Logger:          testLogger(),
	}
	if !options.noMedia {
		config.Media = p.media
	}
	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	p.manager = manager
	p.events = recordEvents(manager)
	return p
}

func newCallPair(t *testing.T, options peerOptions) (*peer, *peer, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	a, b := pairBearers(t, fake)
	return newPeer(t, a, fake, options), newPeer(t, b, fake, options), fake
}

// establish offers from caller and accepts on callee.
func establish(t *testing.T, caller, callee *peer, media Media) Call {
	t.Helper()
	offered, err := caller.manager.Offer(context.Background(), media)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	incoming := waitEvent(t, callee.events, EventIncoming)
	if incoming.Call.ID != offered.ID || incoming.Call.Media != media || incoming.Call.State != StateRinging {
		t.Fatalf("incoming = %+v, offered %+v", incoming.Call, offered)
	}
	if _, err := callee.manager.Accept(context.Background(), offered.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		current, ok := caller.manager.Current()
		return ok && current.State == StateActive
	}, "caller sees the call accepted")
	return offered
}

func TestManager_OfferAcceptConnectsMediaPath(t *testing.T) {
	caller, callee, fake := newCallPair(t, peerOptions{connect: true})
	offered := establish(t, caller, callee, MediaVideo)

	waitEvent(t, caller.events, EventMediaConnected)
	waitEvent(t, callee.events, EventMediaConnected)
	if answer := caller.media.path(1).answered(); answer != "answer-to-offer-1" {
		t.Errorf("caller applied answer %q", answer)
	}

	// The answer travels as call-signal; call-accept carries none.
	signals := callee.bearer.sentOfType(TypeSignal)
	if len(signals) != 1 {
		t.Fatalf("callee sent %d call-signal envelopes, want 1", len(signals))
	}
	var signal SignalData
	if err := signals[0].Decode(&signal); err != nil || signal.Signal.Kind != SignalAnswer || signal.Signal.SDP != "answer-to-offer-1" {
		t.Errorf("call-signal = %+v, %v", signal, err)
	}
	accepts := callee.bearer.sentOfType(TypeAccept)
	var accept AcceptData
	if len(accepts) != 1 || accepts[0].Decode(&accept) != nil || accept.Signal != nil {
		t.Errorf("call-accept = %+v", accepts)
	}

	current, ok := caller.manager.Current()
	if !ok || current.ID != offered.ID || current.State != StateActive || !current.MediaConnected {
		t.Errorf("caller current = %+v, %v", current, ok)
	}

	fake.Advance(DefaultFallbackTimeout * 2)
	noEvent(t, caller.events, EventFallback)
	if len(caller.bearer.sentOfType(TypeFallbackStart)) != 0 {
		t.Error("fallback started although the media path connected")
	}
}

func TestManager_FallbackAfterTimeoutStreamsAudioAndStaysActive(t *testing.T) {
	caller, callee, fake := newCallPair(t, peerOptions{})
	offered := establish(t, caller, callee, MediaAudio)

	fake.Advance(DefaultFallbackTimeout)
	waitEvent(t, caller.events, EventFallback)
	waitEvent(t, callee.events, EventFallback)

	for _, side := range []*peer{caller, callee} {
		current, ok := side.manager.Current()
		if !ok || current.ID != offered.ID || current.State != StateActive || !current.Fallback {
			t.Errorf("current = %+v, %v; want active fallback call", current, ok)
		}
	}
	if !caller.media.path(1).isClosed() {
		t.Error("caller media path not closed on fallback")
	}

	caller.devices.frames <- AudioFrame{SampleRate: 16000, Channels: 1, PCM: make([]byte, 640)}
	played := testutil.RequireReceive(t, callee.devices.played, 5*time.Second, "callee playback")
	if played.Seq != 1 || played.SampleRate != 16000 || len(played.PCM) != 640 {
		t.Errorf("callee played %+v", played)
	}

	callee.devices.frames <- AudioFrame{SampleRate: 16000, Channels: 1, PCM: []byte{1, 2, 3}}
	played = testutil.RequireReceive(t, caller.devices.played, 5*time.Second, "caller playback")
	if string(played.PCM) != string([]byte{1, 2, 3}) {
		t.Errorf("caller played %+v", played)
	}
}

func TestManager_FallbackBeforeAnswerStreamsOnceAccepted(t *testing.T) {
	caller, callee, fake := newCallPair(t, peerOptions{})
	offered, err := caller.manager.Offer(context.Background(), MediaAudio)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	waitEvent(t, callee.events, EventIncoming)

	fake.Advance(DefaultFallbackTimeout)
	waitEvent(t, caller.events, EventFallback)
	waitEvent(t, callee.events, EventFallback)

	accepted, err := callee.manager.Accept(context.Background(), offered.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !accepted.Fallback {
		t.Error("accepted call is not in fallback")
	}
	if callee.media.count() != 0 {
		t.Error("callee built a media path for a fallback call")
	}
	waitEvent(t, caller.events, EventAccepted)

	caller.devices.frames <- AudioFrame{PCM: []byte{9}}
	testutil.RequireReceive(t, callee.devices.played, 5*time.Second, "callee playback")
}

func TestManager_NoMediaFactoryFallsBack(t *testing.T) {
	caller, callee, fake := newCallPair(t, peerOptions{noMedia: true})
	establish(t, caller, callee, MediaAudio)

	offers := caller.bearer.sentOfType(TypeOffer)
	var offer OfferData
	offers[0].Decode(&offer)
	if offer.Signal != nil {
		t.Errorf("offer carries a signal without a media path: %+v", offer.Signal)
	}
	fake.Advance(DefaultFallbackTimeout)
	waitEvent(t, callee.events, EventFallback)
}

func TestManager_RejectEndsBothSides(t *testing.T) {
	caller, callee, _ := newCallPair(t, peerOptions{})
	offered, _ := caller.manager.Offer(context.Background(), MediaAudio)
	waitEvent(t, callee.events, EventIncoming)

	if err := callee.manager.Reject(offered.ID, ""); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	ended := waitEvent(t, caller.events, EventEnded)
	if ended.Call.Reason != ReasonDeclined {
		t.Errorf("reason = %q, want %q", ended.Call.Reason, ReasonDeclined)
	}
	if _, ok := caller.manager.Current(); ok {
		t.Error("caller still has a current call")
	}
	if _, ok := callee.manager.Current(); ok {
		t.Error("callee still has a current call")
	}
	if !caller.media.path(1).isClosed() {
		t.Error("caller media path left open")
	}
}

func TestManager_EndHangsUpPeer(t *testing.T) {
	caller, callee, fake := newCallPair(t, peerOptions{})
	offered := establish(t, caller, callee, MediaAudio)

	if err := callee.manager.End(offered.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	ended := waitEvent(t, caller.events, EventEnded)
	if ended.Call.Reason != ReasonHangup || ended.Call.State != StateEnded {
		t.Errorf("ended = %+v", ended.Call)
	}

	// The fallback timer died with the call.
	fake.Advance(DefaultFallbackTimeout)
	if len(caller.bearer.sentOfType(TypeFallbackStart)) != 0 {
		t.Error("fallback started after the call ended")
	}
	if err := caller.manager.End(offered.ID); !errors.Is(err, ErrNoSuchCall) {
		t.Errorf("End of ended call: err = %v", err)
	}
}

func TestManager_OfferWhileBusy(t *testing.T) {
	caller, callee, _ := newCallPair(t, peerOptions{})
	establish(t, caller, callee, MediaAudio)
	if _, err := caller.manager.Offer(context.Background(), MediaAudio); !errors.Is(err, ErrCallInProgress) {
		t.Errorf("second Offer: err = %v, want ErrCallInProgress", err)
	}
}

func TestManager_IncomingOfferWhileBusyIsRejected(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	link := newBearer(fake)
	callee := newPeer(t, link, fake, peerOptions{})

	link.inject(t, TypeOffer, OfferData{CallID: "first", Media: MediaAudio})
	link.inject(t, TypeOffer, OfferData{CallID: "second", Media: MediaAudio})

	rejects := link.sentOfType(TypeReject)
	if len(rejects) != 1 {
		t.Fatalf("sent %d rejects, want 1", len(rejects))
	}
	var reject RejectData
	rejects[0].Decode(&reject)
	if reject.CallID != "second" || reject.Reason != ReasonBusy {
		t.Errorf("reject = %+v", reject)
	}
	current, _ := callee.manager.Current()
	if current.ID != "first" {
		t.Errorf("current call = %q, want first", current.ID)
	}
}

func TestManager_MediaErrorOnOfferSendsNothing(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	link := newBearer(fake)
	caller := newPeer(t, link, fake, peerOptions{})
	caller.media.err = ErrPermissionDenied

	_, err := caller.manager.Offer(context.Background(), MediaAudio)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Offer: err = %v, want ErrPermissionDenied", err)
	}
	if Reason(err) != ReasonPermissionDenied {
		t.Errorf("Reason = %q", Reason(err))
	}
	if len(link.sentOfType(TypeOffer)) != 0 {
		t.Error("offer sent despite media error")
	}
	if _, ok := caller.manager.Current(); ok {
		t.Error("failed offer left a current call")
	}
}

func TestManager_MediaErrorOnAcceptEndsCallWithReason(t *testing.T) {
	caller, callee, _ := newCallPair(t, peerOptions{})
	callee.media.err = ErrDeviceUnavailable

	offered, _ := caller.manager.Offer(context.Background(), MediaAudio)
	waitEvent(t, callee.events, EventIncoming)
	if _, err := callee.manager.Accept(context.Background(), offered.ID); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Accept: err = %v, want ErrDeviceUnavailable", err)
	}
	ended := waitEvent(t, caller.events, EventEnded)
	if ended.Call.Reason != ReasonDeviceUnavailable {
		t.Errorf("caller reason = %q", ended.Call.Reason)
	}
}

func TestManager_FallbackDeviceErrorEndsCall(t *testing.T) {
	caller, callee, fake := newCallPair(t, peerOptions{})
	caller.devices.captureErr = ErrPermissionDenied
	establish(t, caller, callee, MediaAudio)

	fake.Advance(DefaultFallbackTimeout)
	local := waitEvent(t, caller.events, EventEnded)
	if !errors.Is(local.Err, ErrPermissionDenied) || local.Call.Reason != ReasonPermissionDenied {
		t.Errorf("caller ended = %+v", local)
	}
	remote := waitEvent(t, callee.events, EventEnded)
	if remote.Call.Reason != ReasonPermissionDenied {
		t.Errorf("callee reason = %q", remote.Call.Reason)
	}
}

func TestManager_MediaFailureRestartsPath(t *testing.T) {
	caller, callee, fake := newCallPair(t, peerOptions{connect: true})
	establish(t, caller, callee, MediaAudio)
	waitEvent(t, caller.events, EventMediaConnected)

	caller.media.path(1).emit(MediaFailed)
	waitEvent(t, caller.events, EventMediaRestart)
	fake.Advance(time.Second)

	testutil.Eventually(t, 5*time.Second, func() bool { return caller.media.count() == 2 }, "restart path")
	waitEvent(t, caller.events, EventMediaConnected)
	testutil.Eventually(t, 5*time.Second, func() bool { return callee.media.count() == 2 }, "callee restart path")
	if !caller.media.path(1).isClosed() {
		t.Error("failed path not closed after restart")
	}
	if answer := caller.media.path(2).answered(); answer != "answer-to-offer-2" {
		t.Errorf("restart answer = %q", answer)
	}
	current, _ := caller.manager.Current()
	if current.Fallback || !current.MediaConnected {
		t.Errorf("current after restart = %+v", current)
	}
}

func TestManager_MediaErrorOnRestartEndsCall(t *testing.T) {
	caller, callee, fake := newCallPair(t, peerOptions{connect: true})
	establish(t, caller, callee, MediaAudio)
	waitEvent(t, caller.events, EventMediaConnected)

	// The camera or microphone goes away between the loss and the
	// restart.
	caller.media.mu.Lock()
	caller.media.err = ErrDeviceUnavailable
	caller.media.mu.Unlock()
	caller.media.path(1).emit(MediaFailed)
	waitEvent(t, caller.events, EventMediaRestart)
	fake.Advance(time.Second)

	local := waitEvent(t, caller.events, EventEnded)
	if !errors.Is(local.Err, ErrDeviceUnavailable) || local.Call.Reason != ReasonDeviceUnavailable {
		t.Errorf("caller ended = %+v", local)
	}
	remote := waitEvent(t, callee.events, EventEnded)
	if remote.Call.Reason != ReasonDeviceUnavailable {
		t.Errorf("callee reason = %q", remote.Call.Reason)
	}

	// No further restart is scheduled.
	fake.Advance(time.Minute)
	noEvent(t, caller.events, EventMediaRestart)
	if caller.media.count() != 1 {
		t.Errorf("paths built = %d, want only the original", caller.media.count())
	}
	if _, ok := caller.manager.Current(); ok {
		t.Error("call still current after media error")
	}
}

func TestManager_RestartsExhaustedDegradeToFallback(t *testing.T) {
	caller, callee, fake := newCallPair(t, peerOptions{fallbackTimeout: time.Hour})
	establish(t, caller, callee, MediaAudio)

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt, delay := range delays {
		caller.media.path(attempt + 1).emit(MediaFailed)
		waitEvent(t, caller.events, EventMediaRestart)
		fake.Advance(delay)
		want := attempt + 2
		testutil.Eventually(t, 5*time.Second, func() bool { return caller.media.count() == want }, "restart", attempt+1)
	}

	caller.media.path(len(delays) + 1).emit(MediaFailed)
	waitEvent(t, caller.events, EventFallback)
	waitEvent(t, callee.events, EventFallback)
	current, ok := caller.manager.Current()
	if !ok || current.State != StateActive || !current.Fallback {
		t.Errorf("current = %+v, %v; want active fallback", current, ok)
	}
}

func TestManager_AudioChunksDroppedWhileTunnelDown(t *testing.T) {
	caller, callee, fake := newCallPair(t, peerOptions{})
	establish(t, caller, callee, MediaAudio)
	fake.Advance(DefaultFallbackTimeout)
	waitEvent(t, callee.events, EventFallback)

	caller.bearer.setOpen(false)
	caller.devices.frames <- AudioFrame{PCM: []byte{1}}
	testutil.Eventually(t, 5*time.Second, func() bool { return caller.bearer.tryCount() == 1 }, "chunk attempted")
	caller.bearer.setOpen(true)
	caller.devices.frames <- AudioFrame{PCM: []byte{2}}

	played := testutil.RequireReceive(t, callee.devices.played, 5*time.Second, "playback")
	if played.Seq != 2 || played.PCM[0] != 2 {
		t.Errorf("played %+v, want the frame sent while open", played)
	}
}

func TestManager_LateAudioChunksDropped(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	link := newBearer(fake)
	callee := newPeer(t, link, fake, peerOptions{})

	link.inject(t, TypeOffer, OfferData{CallID: "c", Media: MediaAudio})
	if _, err := callee.manager.Accept(context.Background(), "c"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	link.inject(t, TypeFallbackStart, FallbackStartData{CallID: "c"})

	for _, seq := range []uint64{2, 1, 2, 3} {
		chunk, err := EncodeChunk("c", AudioFrame{Seq: seq, PCM: []byte{byte(seq)}}, CompressionNone)
		if err != nil {
			t.Fatal(err)
		}
		link.inject(t, TypeAudioChunk, chunk)
	}
	var got []uint64
	for range 2 {
		got = append(got, testutil.RequireReceive(t, callee.devices.played, time.Second).Seq)
	}
	if got[0] != 2 || got[1] != 3 || len(callee.devices.played) != 0 {
		t.Errorf("played seqs %v (+%d more), want [2 3]", got, len(callee.devices.played))
	}
}

func TestManager_CloseEndsCall(t *testing.T) {
	caller, callee, _ := newCallPair(t, peerOptions{})
	establish(t, caller, callee, MediaAudio)

	caller.manager.Close()
	waitEvent(t, callee.events, EventEnded)
	if _, err := caller.manager.Offer(context.Background(), MediaAudio); err == nil {
		t.Error("Offer after Close succeeded")
	}
}
