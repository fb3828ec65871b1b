package mssqlpool

import "time"

// reapLoop wakes every HealthCheckInterval and expires idle/aged
// connections. It exits once the pool is closed.
func (p *Pool) reapLoop() {
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.reapOnce()
			p.metrics.ReaperRuns.Inc()
		}
	}
}

// reapOnce removes lifetime-expired entries unconditionally, then removes
// idle-timeout-expired entries while preserving the MinConnections floor.
// Idle entries hold no semaphore permit (see warmUp and release), so a
// removal hands none back.
func (p *Pool) reapOnce() {
	now := p.now()

	p.mu.Lock()
	var keep []*entry
	var lifetimeExpired []*entry
	for el := p.idle.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) > p.cfg.MaxLifetime {
			lifetimeExpired = append(lifetimeExpired, e)
			continue
		}
		keep = append(keep, e)
	}

	var idleExpired []*entry
	floor := p.cfg.MinConnections
	// keep is ordered most-recently-used-first (idle deque front = MRU), so
	// scanning from the back visits entries in decreasing idle duration.
	// The first survivor means every entry in front of it (used more
	// recently) is idle for less time still, so it's safe to stop there.
	for i := len(keep) - 1; i >= 0 && len(keep)-len(idleExpired) > floor; i-- {
		e := keep[i]
		if p.cfg.IdleTimeout > 0 && now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
			idleExpired = append(idleExpired, e)
		} else {
			break
		}
	}

	removed := make(map[*entry]bool, len(lifetimeExpired)+len(idleExpired))
	for _, e := range lifetimeExpired {
		removed[e] = true
	}
	for _, e := range idleExpired {
		removed[e] = true
	}

	p.idle.Init()
	for _, e := range keep {
		if !removed[e] {
			p.idle.PushBack(e)
		}
	}
	p.mu.Unlock()

	for _, e := range lifetimeExpired {
		e.conn.Close()
		p.metrics.ConnectionsLifetimeExpired.Inc()
		p.metrics.ConnectionsClosed.Inc()
	}
	for _, e := range idleExpired {
		e.conn.Close()
		p.metrics.ConnectionsIdleExpired.Inc()
		p.metrics.ConnectionsClosed.Inc()
	}
}
