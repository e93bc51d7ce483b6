package pubsub

import (
	"context"
	"sync"
)

// LocalTransport delivers in process. Publish never blocks on a slow feed;
// each feed queues without bound and drains in order.
type LocalTransport struct {
	mu     sync.Mutex
	topics map[string]map[*localFeed]struct{}
	closed bool
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		topics: make(map[string]map[*localFeed]struct{}),
	}
}

func (t *LocalTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	for f := range t.topics[topic] {
		f.push(payload)
	}
	return nil
}

func (t *LocalTransport) Subscribe(ctx context.Context, topic string) (Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	f := &localFeed{
		transport: t,
		topic:     topic,
		notify:    make(chan struct{}, 1),
		out:       make(chan []byte),
		done:      make(chan struct{}),
	}
	feeds, ok := t.topics[topic]
	if !ok {
		feeds = make(map[*localFeed]struct{})
		t.topics[topic] = feeds
	}
	feeds[f] = struct{}{}

	go f.pump()
	return f, nil
}

func (t *LocalTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var feeds []*localFeed
	for _, set := range t.topics {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	t.topics = make(map[string]map[*localFeed]struct{})
	t.mu.Unlock()

	for _, f := range feeds {
		f.stop()
	}
	return nil
}

func (t *LocalTransport) remove(f *localFeed) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if feeds, ok := t.topics[f.topic]; ok {
		delete(feeds, f)
		if len(feeds) == 0 {
			delete(t.topics, f.topic)
		}
	}
}

type localFeed struct {
	transport *LocalTransport
	topic     string

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}

	out      chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func (f *localFeed) push(payload []byte) {
	f.mu.Lock()
	f.queue = append(f.queue, payload)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *localFeed) pump() {
	defer close(f.out)

	for {
		select {
		case <-f.done:
			return
		case <-f.notify:
		}

		f.mu.Lock()
		batch := f.queue
		f.queue = nil
		f.mu.Unlock()

		for _, payload := range batch {
			select {
			case f.out <- payload:
			case <-f.done:
				return
			}
		}
	}
}

func (f *localFeed) Messages() <-chan []byte {
	return f.out
}

func (f *localFeed) stop() {
	f.stopOnce.Do(func() {
		close(f.done)
	})
}

func (f *localFeed) Close() error {
	f.transport.remove(f)
	f.stop()
	return nil
}
