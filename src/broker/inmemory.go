// Package broker provides an in-memory broker implementation.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryBroker is a simple in-memory implementation of Broker, used in
// tests and when no external broker is configured.
type InMemoryBroker struct {
	mu     sync.Mutex
	subs   map[string][]chan Message
	offset map[string]int64
	closed bool
}

// NewInMemoryBroker creates a new InMemoryBroker instance.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		subs:   make(map[string][]chan Message),
		offset: make(map[string]int64),
	}
}

// Publish delivers the message to every subscriber of the topic.
func (b *InMemoryBroker) Publish(ctx context.Context, topic string, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}

	msg := Message{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Offset:    b.offset[topic],
		Timestamp: time.Now().UnixMilli(),
	}
	b.offset[topic]++

	for _, sub := range b.subs[topic] {
		select {
		case sub <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a consumer channel for the topic. groupID is ignored.
func (b *InMemoryBroker) Subscribe(ctx context.Context, topic string, groupID string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	sub := make(chan Message, 100)
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// Close shuts down the broker and closes all subscriber channels.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub)
		}
	}
	b.subs = make(map[string][]chan Message)
	return nil
}
