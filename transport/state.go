// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"time"
)

// State is the connection lifecycle state of one pair.
type State int

const (
	StateDisconnected State = iota
	StateSignalingUp
	StateDialing
	StateOpen
	StateTunnelEstablished
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSignalingUp:
		return "signaling-up"
	case StateDialing:
		return "dialing"
	case StateOpen:
		return "open"
	case StateTunnelEstablished:
		return "tunnel-established"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connected reports whether a channel is open in this state.
func (s State) Connected() bool {
	return s == StateOpen || s == StateTunnelEstablished
}

// Machine is the lifecycle state plus the dial attempts made since the
// last successful open.
type Machine struct {
	State    State
	Attempts int
}

// EventKind identifies an Event.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventSignalingUp
	EventDialStarted
	EventChannelOpen
	EventDialFailed
	EventChannelLost
	EventRetryDue
	EventTunnelEstablished
	EventLiveness
	EventWake
	EventReconnect
	EventTeardown
)

var eventNames = map[EventKind]string{
	EventStart:             "start",
	EventSignalingUp:       "signaling-up",
	EventDialStarted:       "dial-started",
	EventChannelOpen:       "channel-open",
	EventDialFailed:        "dial-failed",
	EventChannelLost:       "channel-lost",
	EventRetryDue:          "retry-due",
	EventTunnelEstablished: "tunnel-established",
	EventLiveness:          "liveness",
	EventWake:              "wake",
	EventReconnect:         "reconnect",
	EventTeardown:          "teardown",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is an input to Transition.
type Event struct {
	Kind EventKind
	// ChannelReady is the liveness probe result for EventLiveness.
	ChannelReady bool
}

// EffectKind identifies an Effect.
type EffectKind int

const (
	// EffectAttach connects the signaling client, or reconnects it
	// after a drop. It is a no-op while signaling is up.
	EffectAttach EffectKind = iota + 1
	// EffectDial starts one dial attempt.
	EffectDial
	// EffectScheduleRetry arms the retry timer for Delay.
	EffectScheduleRetry
	// EffectCancelRetry disarms the retry timer.
	EffectCancelRetry
	// EffectAdopt makes the event's channel the live channel.
	EffectAdopt
	// EffectCloseIncoming closes the event's channel unused.
	EffectCloseIncoming
	// EffectDropChannel closes and forgets the live channel.
	EffectDropChannel
	// EffectNotifyFailed reports that reconnection gave up.
	EffectNotifyFailed
	// EffectDetach releases the connector.
	EffectDetach
)

var effectNames = map[EffectKind]string{
	EffectAttach:        "attach",
	EffectDial:          "dial",
	EffectScheduleRetry: "schedule-retry",
	EffectCancelRetry:   "cancel-retry",
	EffectAdopt:         "adopt",
	EffectCloseIncoming: "close-incoming",
	EffectDropChannel:   "drop-channel",
	EffectNotifyFailed:  "notify-failed",
	EffectDetach:        "detach",
}

func (k EffectKind) String() string {
	if name, ok := effectNames[k]; ok {
		return name
	}
	return fmt.Sprintf("effect(%d)", int(k))
}

// Effect is a side effect requested by Transition. The controller
// executes effects in order.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
}

func effect(kind EffectKind) Effect { return Effect{Kind: kind} }

// Transition is the lifecycle state machine. It is pure: all I/O is
// expressed as returned effects.
func Transition(current Machine, event Event, policy ReconnectPolicy) (Machine, []Effect) {
	state := current.State
	if state == StateClosed {
		return current, nil
	}

	switch event.Kind {
	case EventTeardown:
		return Machine{State: StateClosed}, []Effect{
			effect(EffectCancelRetry), effect(EffectDropChannel), effect(EffectDetach),
		}

	case EventChannelOpen:
		if state.Connected() {
			// First established wins.
			return current, []Effect{effect(EffectCloseIncoming)}
		}
		return Machine{State: StateOpen}, []Effect{effect(EffectCancelRetry), effect(EffectAdopt)}

	case EventChannelLost:
		if !state.Connected() {
			return current, nil
		}
		return lose(policy)

	case EventTunnelEstablished:
		if state != StateOpen {
			return current, nil
		}
		return Machine{State: StateTunnelEstablished}, nil

	case EventDialStarted:
		switch state {
		case StateSignalingUp, StateReconnecting, StateFailed, StateDisconnected:
			return Machine{State: StateDialing, Attempts: current.Attempts}, nil
		}
		return current, nil

	case EventDialFailed:
		if state != StateDialing {
			return current, nil
		}
		attempts := current.Attempts + 1
		if attempts >= policy.MaxAttempts {
			return Machine{State: StateFailed, Attempts: attempts}, []Effect{effect(EffectNotifyFailed)}
		}
		return Machine{State: StateReconnecting, Attempts: attempts}, []Effect{
			{Kind: EffectScheduleRetry, Delay: policy.Delay(attempts)},
		}

	case EventRetryDue:
		if state != StateReconnecting {
			return current, nil
		}
		return current, []Effect{effect(EffectDial)}
	}

	switch state {
	case StateDisconnected:
		switch event.Kind {
		case EventStart, EventLiveness, EventWake, EventReconnect:
			return current, []Effect{effect(EffectAttach)}
		case EventSignalingUp:
			return Machine{State: StateSignalingUp}, []Effect{effect(EffectDial)}
		}

	case StateSignalingUp:
		switch event.Kind {
		case EventLiveness, EventWake, EventReconnect:
			return current, []Effect{effect(EffectAttach), effect(EffectDial)}
		}

	case StateOpen, StateTunnelEstablished:
		if event.Kind == EventLiveness && !event.ChannelReady {
			return lose(policy)
		}

	case StateReconnecting:
		switch event.Kind {
		case EventLiveness:
			return current, []Effect{effect(EffectAttach)}
		case EventWake, EventReconnect:
			return current, []Effect{effect(EffectCancelRetry), effect(EffectDial)}
		}

	case StateFailed:
		// Liveness does not leave Failed: only the peer or the owner can
		// restart the cycle. It does keep signaling attached so the
		// peer's wake or offer can still arrive.
		switch event.Kind {
		case EventLiveness:
			return current, []Effect{effect(EffectAttach)}
		case EventWake, EventReconnect:
			return Machine{State: StateFailed}, []Effect{effect(EffectDial)}
		}
	}
	return current, nil
}

// lose handles the loss of the live channel.
func lose(policy ReconnectPolicy) (Machine, []Effect) {
	return Machine{State: StateReconnecting}, []Effect{
		effect(EffectDropChannel),
		{Kind: EffectScheduleRetry, Delay: policy.Delay(0)},
	}
}
