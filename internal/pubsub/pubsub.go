// Package pubsub abstracts the topic-keyed transport that carries room
// events between processes.
package pubsub

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport closed")

// Feed is a single topic subscription. Messages is closed after Close.
type Feed interface {
	Messages() <-chan []byte
	Close() error
}

// Transport delivers every payload published on a topic to each open feed
// of that topic, in publish order per publisher.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Feed, error)
	Close() error
}
