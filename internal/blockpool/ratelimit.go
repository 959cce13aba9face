package blockpool

import (
	"sync/atomic"
	"time"
)

// logGate is a burst-allowance + periodic-sample + reset rate limiter
// for the pool's extension-failure and object-pool-exhaustion log
// lines. The burst is restored once resetInterval has passed since the
// last allowed line; a sampleEvery of 0 turns sampling off.
type logGate struct {
	burst         int64
	sampleEvery   int64
	resetInterval time.Duration

	burstLeft   atomic.Int64
	count       atomic.Int64
	lastLogUnix atomic.Int64
}

func newLogGate(burst, sampleEvery int64, resetInterval time.Duration) *logGate {
	g := &logGate{burst: burst, sampleEvery: sampleEvery, resetInterval: resetInterval}
	g.burstLeft.Store(burst)
	return g
}

// allow reports whether the caller should emit a log line for this
// occurrence, and bumps internal bookkeeping regardless of the answer.
func (g *logGate) allow() bool {
	now := time.Now().UnixNano()
	last := g.lastLogUnix.Load()
	if last > 0 && now-last > g.resetInterval.Nanoseconds() {
		g.burstLeft.Store(g.burst)
		g.count.Store(0)
	}

	count := g.count.Add(1)

	if burstLeft := g.burstLeft.Load(); burstLeft > 0 {
		if g.burstLeft.CompareAndSwap(burstLeft, burstLeft-1) {
			g.lastLogUnix.Store(now)
			return true
		}
	}
	if g.sampleEvery > 0 && count%g.sampleEvery == 0 {
		g.lastLogUnix.Store(now)
		return true
	}
	return false
}
