// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/tether/transport"
)

// DefaultBusChannel is the redis pub/sub channel hubs share when no
// channel is configured.
const DefaultBusChannel = "tether:signals"

// BusMessage is one signal forwarded between hub instances. Origin is
// the publishing hub's instance id so a hub can ignore its own echo.
type BusMessage struct {
	Origin string           `json:"origin"`
	Signal transport.Signal `json:"signal"`
}

// Bus carries signals between hub instances whose clients are spread
// across processes. A hub publishes a signal to the bus only when the
// target endpoint is not registered locally.
type Bus interface {
	Publish(ctx context.Context, message BusMessage) error
	// Messages delivers every message published by any instance,
	// including this one. Closed when the bus closes.
	Messages() <-chan BusMessage
	Close() error
}

// RedisBus is a Bus over a redis pub/sub channel.
type RedisBus struct {
	client   *redis.Client
	channel  string
	pubsub   *redis.PubSub
	messages chan BusMessage
	logger   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisBus subscribes to channel and returns once redis has
// confirmed the subscription. The caller owns client.
func NewRedisBus(ctx context.Context, client *redis.Client, channel string, logger *slog.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis bus: client is nil")
	}
	if channel == "" {
		channel = DefaultBusChannel
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to redis channel %q: %w", channel, err)
	}
	bus := &RedisBus{
		client:   client,
		channel:  channel,
		pubsub:   pubsub,
		messages: make(chan BusMessage, 64),
		logger:   logger.With("channel", channel),
		done:     make(chan struct{}),
	}
	go bus.receive()
	return bus, nil
}

func (b *RedisBus) receive() {
	defer close(b.messages)
	for raw := range b.pubsub.Channel() {
		var message BusMessage
		if err := json.Unmarshal([]byte(raw.Payload), &message); err != nil {
			b.logger.Warn("dropping malformed bus message", "error", err)
			continue
		}
		select {
		case b.messages <- message:
		case <-b.done:
			return
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, message BusMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding bus message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to redis channel %q: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBus) Messages() <-chan BusMessage { return b.messages }

// Close unsubscribes. The redis client stays open.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.pubsub.Close()
	})
	return err
}

// MemoryBusNetwork connects in-process buses. Every message published
// on any attached bus is delivered to all of them.
type MemoryBusNetwork struct {
	mu    sync.Mutex
	buses map[*MemoryBus]struct{}
}

func NewMemoryBusNetwork() *MemoryBusNetwork {
	return &MemoryBusNetwork{buses: make(map[*MemoryBus]struct{})}
}

// Bus attaches a new bus to the network.
func (n *MemoryBusNetwork) Bus() *MemoryBus {
	bus := &MemoryBus{network: n, messages: make(chan BusMessage, 64)}
	n.mu.Lock()
	n.buses[bus] = struct{}{}
	n.mu.Unlock()
	return bus
}

type MemoryBus struct {
	network  *MemoryBusNetwork
	messages chan BusMessage
}

func (b *MemoryBus) Publish(ctx context.Context, message BusMessage) error {
	b.network.mu.Lock()
	defer b.network.mu.Unlock()
	if _, ok := b.network.buses[b]; !ok {
		return fmt.Errorf("memory bus is closed")
	}
	for bus := range b.network.buses {
		select {
		case bus.messages <- message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Messages() <-chan BusMessage { return b.messages }

func (b *MemoryBus) Close() error {
	b.network.mu.Lock()
	defer b.network.mu.Unlock()
	if _, ok := b.network.buses[b]; ok {
		delete(b.network.buses, b)
		close(b.messages)
	}
	return nil
}
