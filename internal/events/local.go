package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

// ErrClosed is returned by LocalFanout after Close.
var ErrClosed = errors.New("fanout closed")

// LocalFanout is an in-process Broadcaster used when NATS is not configured
// (a single gateway process) and in tests.
type LocalFanout struct {
	mu      sync.Mutex
	subs    map[int]chan []byte
	nextID  int
	closed  bool
	dropped atomic.Uint64
}

// Compile-time check that LocalFanout implements Broadcaster.
var _ Broadcaster = (*LocalFanout)(nil)

func NewLocalFanout() *LocalFanout {
	return &LocalFanout{subs: make(map[int]chan []byte)}
}

func (f *LocalFanout) Broadcast(_ context.Context, env model.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	for _, ch := range f.subs {
		select {
		case ch <- data:
		default:
			f.dropped.Add(1)
		}
	}
	return nil
}

func (f *LocalFanout) Subscribe() (<-chan []byte, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, ErrClosed
	}

	id := f.nextID
	f.nextID++
	ch := make(chan []byte, subscriberBuffer)
	f.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel, nil
}

// Dropped returns the number of messages discarded because a subscriber
// channel was full.
func (f *LocalFanout) Dropped() uint64 {
	return f.dropped.Load()
}

// Close closes every subscriber channel. Later Broadcast and Subscribe calls
// return ErrClosed.
func (f *LocalFanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	return nil
}
