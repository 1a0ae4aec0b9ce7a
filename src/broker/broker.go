// Package broker defines the interface for message brokers and provides
// implementations. The downloader can stream fetched build records through a
// broker so external pipelines see history as it is cached.
package broker

import "context"

// TopicRecords is the topic build records are published to, keyed by
// repository slug.
const TopicRecords = "build_records"

// Broker abstracts message publishing and consumption.
type Broker interface {
	// Publish sends a message to a topic with an optional key for
	// partitioning. The in-memory broker ignores the key.
	Publish(ctx context.Context, topic string, key string, value []byte) error

	// Subscribe returns a channel for consuming messages from a topic.
	// groupID is used for consumer group coordination in Kafka; the
	// in-memory broker ignores it.
	Subscribe(ctx context.Context, topic string, groupID string) (<-chan Message, error)

	// Close shuts down the broker connection gracefully.
	Close() error
}

// Message represents a consumed message from a broker.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Offset    int64
	Partition int32
	Timestamp int64
}
