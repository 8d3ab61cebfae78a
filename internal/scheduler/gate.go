package scheduler

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Gate is the Concurrency Gate (spec §4.6, §5): a bounded counter with a
// non-blocking try-acquire. Admission additionally passes through a token
// bucket limiter that smooths bursts of simultaneously-due entries (many
// jobs sharing a fire minute) into a steadier spawn rate, independent of
// the hard cap — a refusal from either one sheds the firing the same way.
type Gate struct {
	limit   int32
	inFlight atomic.Int32
	limiter *rate.Limiter
}

// NewGate builds a gate admitting at most maxConcurrent simultaneous
// executions. burstPerSecond bounds how many new executions may start in
// any one second even when under the concurrency cap (0 disables the rate
// limit, leaving only the hard cap).
func NewGate(maxConcurrent int, burstPerSecond int) *Gate {
	g := &Gate{limit: int32(maxConcurrent)}
	if burstPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(burstPerSecond), burstPerSecond)
	}
	return g
}

// TryAcquire attempts to admit one execution. It never blocks: refusal is
// reported immediately so the caller can emit CONCURRENCY_SHED and move on
// (spec §4.6 — the firing is dropped, not re-queued).
func (g *Gate) TryAcquire() bool {
	for {
		cur := g.inFlight.Load()
		if cur >= g.limit {
			return false
		}
		if g.inFlight.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	if g.limiter != nil && !g.limiter.Allow() {
		g.inFlight.Add(-1)
		return false
	}
	return true
}

// Release returns one slot to the gate. Must be called exactly once per
// successful TryAcquire, regardless of how the execution ended.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
}

// InFlight reports the current number of admitted, not-yet-released
// executions (spec §8 "Gate cap" invariant is exercised against this).
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Limit returns max_concurrent_jobs.
func (g *Gate) Limit() int {
	return int(g.limit)
}
