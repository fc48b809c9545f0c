package gateway

import "time"

// StartReaper launches a background goroutine that marks silent sessions
// DISCONNECTED and destroys sessions whose TTL lapsed. Call Stop() to shut
// it down.
func (g *Gateway) StartReaper() {
	if g.reaperStop != nil {
		return
	}
	g.reaperStop = make(chan struct{})
	g.reaperDone = make(chan struct{})

	go g.reapLoop(g.reaperStop, g.reaperDone)
	g.cfg.Logger.Info("gateway: reaper started",
		"heartbeat_timeout", g.cfg.heartbeatTimeout(),
		"session_ttl", g.cfg.SessionTTL,
		"sweep_interval", g.cfg.SweepInterval)
}

// Stop shuts down the reaper goroutine.
func (g *Gateway) Stop() {
	if g.reaperStop != nil {
		close(g.reaperStop)
		<-g.reaperDone
		g.reaperStop = nil
		g.reaperDone = nil
	}
}

func (g *Gateway) reapLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sweep applies the timeouts of the state machine:
//   - active sessions silent for longer than the heartbeat timeout become
//     DISCONNECTED;
//   - sessions that never identified within the heartbeat timeout are
//     destroyed;
//   - DISCONNECTED sessions older than SessionTTL are destroyed (EXPIRED).
func (g *Gateway) sweep() {
	now := g.now()
	timeout := g.cfg.heartbeatTimeout()

	var timedOut, expired, abandoned []string

	g.mu.Lock()
	for id, s := range g.sessions {
		switch {
		case s.state.active() && now.Sub(s.lastHeartbeat) > timeout:
			s.state = StateDisconnected
			s.disconnectedAt = now
			timedOut = append(timedOut, id)
		case s.state == StateConnecting && now.Sub(s.createdAt) > timeout:
			delete(g.sessions, id)
			abandoned = append(abandoned, id)
		case s.expired(now, g.cfg.SessionTTL):
			delete(g.sessions, id)
			expired = append(expired, id)
		}
	}
	g.mu.Unlock()

	for _, id := range timedOut {
		g.cfg.Logger.Info("gateway: heartbeat timeout", "session_id", id, "timeout", timeout)
	}
	for _, id := range abandoned {
		g.cfg.Logger.Debug("gateway: dropped session that never identified", "session_id", id)
	}
	for _, id := range expired {
		g.cfg.Logger.Info("gateway: session expired", "session_id", id, "ttl", g.cfg.SessionTTL)
	}
}
