package bus

import (
	"sort"
	"sync"

	"github.com/alfredjeanlab/gatebus/internal/model"
)

// Listener receives every envelope delivered to this process. Listeners run
// on the single dispatch goroutine and must not block for long; a slow
// listener delays every other one.
type Listener func(model.Envelope)

// Subscription is the handle returned by OnEnvelope.
type Subscription struct {
	id   uint64
	fn   Listener
	bus  *EventBus
	once sync.Once
	done chan struct{}
}

// Cancel removes the listener. It is safe to call more than once and from
// inside the listener itself.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.listeners, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
}

// Done is closed once the subscription has been cancelled, either directly
// or by EventBus.Shutdown.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// OnEnvelope registers fn for every envelope this process receives from the
// fan-out channel, across all resources. Filtering is up to the listener.
func (b *EventBus) OnEnvelope(fn Listener) *Subscription {
	sub := &Subscription{fn: fn, bus: b, done: make(chan struct{})}

	// Registering under lifecycle orders this against Shutdown: either the
	// listener is in the table before Shutdown snapshots it, or stopped is
	// already set.
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.stopped {
		close(sub.done)
		sub.once.Do(func() {})
		return sub
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.listeners[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// snapshot returns the live subscriptions in registration order.
func (b *EventBus) snapshot() []*Subscription {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.listeners))
	for _, s := range b.listeners {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

// receiveLoop decodes raw fan-out messages and feeds the dispatch channel.
// When dispatch falls behind, the send blocks and back-pressure reaches the
// fan-out subscriber, which drops rather than stalls the network client.
func (b *EventBus) receiveLoop(ch <-chan []byte) {
	defer b.wg.Done()
	for data := range ch {
		env, err := model.DecodeEnvelope(data)
		if err != nil {
			b.malformed.Add(1)
			b.logger.Debug("bus: dropping malformed envelope", "err", err)
			continue
		}
		select {
		case b.dispatch <- env:
		case <-b.stop:
			return
		}
		b.checkDrops()
	}
}

// checkDrops warns when the fan-out subscriber discarded envelopes since the
// last check. Listeners miss those envelopes until their clients resync.
func (b *EventBus) checkDrops() {
	total := b.fanout.Dropped()
	seen := b.reportedDrops.Load()
	if total <= seen || !b.reportedDrops.CompareAndSwap(seen, total) {
		return
	}
	b.dropLog.Do(func() {
		b.logger.Warn("bus: fan-out dropped envelopes; dispatch is falling behind",
			"dropped", total-seen,
			"dropped_total", total)
	})
}

func (b *EventBus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case env := <-b.dispatch:
			b.deliver(env)
		}
	}
}

func (b *EventBus) deliver(env model.Envelope) {
	for _, sub := range b.snapshot() {
		select {
		case <-sub.done:
			continue
		default:
		}
		b.invoke(sub, env)
	}
	b.dispatched.Add(1)
}

func (b *EventBus) invoke(sub *Subscription, env model.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("bus: listener panicked",
				"listener", sub.id,
				"resource_id", env.ResourceID,
				"sequence", env.Sequence,
				"panic", r)
		}
	}()
	sub.fn(env)
}
