package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

// NATSFanout broadcasts envelopes over NATS core pub/sub.
type NATSFanout struct {
	conn    *nats.Conn
	dropped atomic.Uint64
}

// Compile-time check that NATSFanout implements Broadcaster.
var _ Broadcaster = (*NATSFanout)(nil)

// NewNATSFanout connects to NATS with automatic reconnection support.
// Extra nats.Option values (e.g. disconnect/reconnect handlers) can be appended.
func NewNATSFanout(url string, opts ...nats.Option) (*NATSFanout, error) {
	defaults := []nats.Option{
		nats.Name("gatebus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSFanout{conn: nc}, nil
}

func (f *NATSFanout) Broadcast(_ context.Context, env model.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := f.conn.Publish(Subject(env.ResourceID), data); err != nil {
		return fmt.Errorf("publishing %s: %w", env.ID, err)
	}
	return nil
}

// Subscribe listens on SubjectAll. Messages are dropped when the channel is
// full so the NATS client is never blocked; see Dropped.
func (f *NATSFanout) Subscribe() (<-chan []byte, func(), error) {
	ch := make(chan []byte, subscriberBuffer)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := f.conn.Subscribe(SubjectAll, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg.Data:
		default:
			f.dropped.Add(1)
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", SubjectAll, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := f.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			// Drain remaining messages so senders don't block, then close.
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

// Flush waits until every buffered publish has been processed by the server.
func (f *NATSFanout) Flush() error {
	return f.conn.Flush()
}

// Dropped returns the number of messages discarded because a subscriber
// channel was full.
func (f *NATSFanout) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *NATSFanout) Close() error {
	f.conn.Close()
	return nil
}
