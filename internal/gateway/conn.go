package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alfredjeanlab/gatebus/internal/bus"
	"github.com/alfredjeanlab/gatebus/internal/model"
)

var (
	// ErrHeartbeatTimeout closes a connection that stayed silent for the
	// heartbeat timeout, or never identified within it.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrSlowConsumer closes a connection whose outbound queue filled up.
	ErrSlowConsumer = errors.New("slow consumer")

	// ErrRateLimited closes a connection that kept exceeding the inbound
	// frame rate.
	ErrRateLimited = errors.New("rate limited")
)

// maxRateViolations is how many rate-limited frames a connection may send
// before it is closed.
const maxRateViolations = 5

// FrameConn is a transport carrying gateway frames. ReadFrame returns io.EOF
// when the peer closed cleanly; Close must unblock a pending ReadFrame.
type FrameConn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Conn drives one client connection through the session state machine and
// relays dispatched envelopes for its subscriptions.
type Conn struct {
	gw      *Gateway
	fc      FrameConn
	user    User
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[string]struct{}

	out          chan model.Envelope
	overflow     chan struct{}
	overflowOnce sync.Once

	sessionID string
	gen       int // resume generation the connection is attached at
	ready     bool
	loggedOut bool
}

// NewConn prepares a connection for an authenticated user. Call Serve to run it.
func (g *Gateway) NewConn(fc FrameConn, user User) *Conn {
	return &Conn{
		gw:       g,
		fc:       fc,
		user:     user,
		limiter:  rate.NewLimiter(rate.Limit(g.cfg.FrameRate), g.cfg.FrameBurst),
		subs:     make(map[string]struct{}),
		out:      make(chan model.Envelope, g.cfg.SendQueue),
		overflow: make(chan struct{}),
	}
}

// SessionID returns the id of the session the connection currently drives.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// Serve sends hello, waits for identify or resume, then relays envelopes and
// answers heartbeats until the peer leaves, a timeout fires, or ctx is done.
// On return the session is marked DISCONNECTED (or destroyed after logout)
// and the transport is closed. A clean peer close returns nil.
func (c *Conn) Serve(ctx context.Context) error {
	_, hello := c.gw.Connect(c.user)
	c.sessionID = hello.SessionID
	logger := c.gw.cfg.Logger.With("user_id", c.user.ID)

	sub := c.gw.source.OnEnvelope(c.enqueue)
	done := make(chan struct{})
	defer func() {
		close(done)
		sub.Cancel()
		if c.loggedOut {
			c.gw.Logout(c.sessionID)
		} else {
			c.gw.disconnect(c.sessionID, c.gen)
		}
		c.fc.Close()
	}()

	if err := c.write(OpHello, hello); err != nil {
		return err
	}

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := c.fc.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-done:
				return
			}
		}
	}()

	timeout := c.gw.cfg.heartbeatTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		out        <-chan model.Envelope
		violations int
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)

		case <-c.overflow:
			c.writeError("slow_consumer", "outbound queue full; resume to catch up")
			return ErrSlowConsumer

		case <-timer.C:
			logger.Debug("gateway: connection timed out", "session_id", c.sessionID, "ready", c.ready)
			return ErrHeartbeatTimeout

		case env := <-out:
			// The queue may hold envelopes accepted under an earlier
			// subscription set (failed resume, unsubscribe).
			if !c.subscribed(env.ResourceID) {
				continue
			}
			if err := c.write(OpDispatch, env); err != nil {
				return err
			}

		case f := <-frames:
			if !c.limiter.Allow() {
				violations++
				if violations >= maxRateViolations {
					c.writeError("rate_limited", "too many frames")
					return ErrRateLimited
				}
				if err := c.writeError("rate_limited", "frame dropped"); err != nil {
					return err
				}
				continue
			}

			wasReady := c.ready
			resetTimer, err := c.handle(ctx, f)
			if err != nil {
				return err
			}
			if c.loggedOut {
				return nil
			}
			if c.ready && !wasReady {
				out = c.out
			}
			if resetTimer {
				timer.Reset(timeout)
			}
		}
	}
}

// handle processes one inbound frame. It reports whether the frame counts
// as liveness for the heartbeat timer.
func (c *Conn) handle(ctx context.Context, f Frame) (bool, error) {
	switch f.Op {
	case OpIdentify:
		return c.handleIdentify(ctx, f)
	case OpResume:
		return c.handleResume(ctx, f)
	case OpHeartbeat:
		if !c.ready {
			return false, c.write(OpHeartbeatAck, HeartbeatAck{SessionID: c.sessionID})
		}
		ack, err := c.gw.heartbeat(c.sessionID, c.gen)
		if err != nil {
			c.write(OpInvalidSession, InvalidSessionPayload{Reason: err.Error()})
			return false, err
		}
		return true, c.write(OpHeartbeatAck, ack)
	case OpSubscribe:
		return c.handleSubscribe(ctx, f)
	case OpUnsubscribe:
		return c.handleUnsubscribe(f)
	case OpLogout:
		c.loggedOut = true
		return false, nil
	default:
		return false, c.writeError("unknown_op", fmt.Sprintf("unsupported op %q", f.Op))
	}
}

func (c *Conn) handleIdentify(ctx context.Context, f Frame) (bool, error) {
	if c.ready {
		return false, c.writeError("already_identified", "session is already ready")
	}
	var p IdentifyPayload
	if err := f.Decode(&p); err != nil {
		return false, c.writeError("invalid_payload", err.Error())
	}

	// Filter on the requested set before the sequence snapshot is taken so
	// nothing published in between is lost.
	c.setSubs(p.Subscriptions)
	ready, err := c.gw.Identify(ctx, c.sessionID, p.Subscriptions)
	if err != nil {
		c.setSubs(nil)
		if errors.Is(err, bus.ErrInvalidInput) {
			return false, c.writeError("invalid_payload", err.Error())
		}
		return false, err
	}
	c.ready = true
	return true, c.write(OpReady, ready)
}

func (c *Conn) handleResume(ctx context.Context, f Frame) (bool, error) {
	if c.ready {
		return false, c.writeError("already_identified", "session is already ready")
	}
	var p ResumePayload
	if err := f.Decode(&p); err != nil {
		return false, c.writeError("invalid_payload", err.Error())
	}

	target, ok := c.gw.Get(p.SessionID)
	if !ok || target.User.ID != c.user.ID {
		return false, c.write(OpInvalidSession, InvalidSessionPayload{Reason: ErrSessionExpired.Error()})
	}

	subs := append([]string(nil), target.Subscriptions...)
	for r := range p.LastSequences {
		subs = append(subs, r)
	}
	c.setSubs(subs)

	resumed, gen, err := c.gw.resume(ctx, p)
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrInvalidState):
		c.setSubs(nil)
		return false, c.write(OpInvalidSession, InvalidSessionPayload{Reason: err.Error()})
	case errors.Is(err, bus.ErrInvalidInput):
		c.setSubs(nil)
		return false, c.writeError("invalid_payload", err.Error())
	default:
		c.setSubs(nil)
		return false, err
	}

	// The session created for hello is not needed once resume succeeded.
	c.gw.Logout(c.sessionID)
	c.sessionID = resumed.SessionID
	c.gen = gen
	c.setSubs(resumed.Subscriptions)
	c.ready = true
	return true, c.write(OpResumed, resumed)
}

func (c *Conn) handleSubscribe(ctx context.Context, f Frame) (bool, error) {
	if !c.ready {
		return false, c.writeError("not_ready", ErrNotReady.Error())
	}
	var p SubscribePayload
	if err := f.Decode(&p); err != nil {
		return false, c.writeError("invalid_payload", err.Error())
	}

	added := c.addSubs(p.Resources)
	upd, err := c.gw.Subscribe(ctx, c.sessionID, p.Resources)
	if err != nil {
		c.removeSubs(added)
		if errors.Is(err, bus.ErrInvalidInput) {
			return false, c.writeError("invalid_payload", err.Error())
		}
		return false, err
	}
	return true, c.write(OpSubscribe, upd)
}

func (c *Conn) handleUnsubscribe(f Frame) (bool, error) {
	if !c.ready {
		return false, c.writeError("not_ready", ErrNotReady.Error())
	}
	var p SubscribePayload
	if err := f.Decode(&p); err != nil {
		return false, c.writeError("invalid_payload", err.Error())
	}
	upd, err := c.gw.Unsubscribe(c.sessionID, p.Resources)
	if err != nil {
		return false, err
	}
	c.removeSubs(p.Resources)
	return true, c.write(OpUnsubscribe, upd)
}

// enqueue is the bus listener. It runs on the dispatch goroutine and must
// not block.
func (c *Conn) enqueue(env model.Envelope) {
	if !c.subscribed(env.ResourceID) {
		return
	}
	select {
	case c.out <- env:
	default:
		c.overflowOnce.Do(func() { close(c.overflow) })
	}
}

func (c *Conn) subscribed(resourceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[resourceID]
	return ok
}

func (c *Conn) setSubs(ids []string) {
	c.mu.Lock()
	c.subs = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c.subs[id] = struct{}{}
	}
	c.mu.Unlock()
}

// addSubs adds ids and returns the ones that were not already present.
func (c *Conn) addSubs(ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var added []string
	for _, id := range ids {
		if _, ok := c.subs[id]; !ok {
			c.subs[id] = struct{}{}
			added = append(added, id)
		}
	}
	return added
}

func (c *Conn) removeSubs(ids []string) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

func (c *Conn) write(op Op, payload any) error {
	f, err := NewFrame(op, payload)
	if err != nil {
		return err
	}
	if err := c.fc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing %s: %w", op, err)
	}
	return nil
}

func (c *Conn) writeError(code, msg string) error {
	return c.write(OpError, ErrorPayload{Code: code, Message: msg})
}
