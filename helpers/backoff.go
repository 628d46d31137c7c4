package helpers

import (
	"sync/atomic"
	"time"
)

// Backoff is limited exponential retry delay, safe for concurrent use.
// Consecutive failures wait Min, Min*K, Min*K*K... up to Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms

	next atomic.Int64
}

// Use scenario:
//
//	for {
//	  err := op()
//	  if err == nil { backoff.Reset(); continue }
//	  time.Sleep(backoff.DelayAfter(false))
//	}
func (b *Backoff) DelayAfter(success bool) time.Duration {
	if success {
		b.Reset()
		return 0
	}
	for {
		cur := b.next.Load()
		delay := b.limit(time.Duration(cur))
		next := b.limit(time.Duration(float32(delay) * b.K))
		if b.next.CompareAndSwap(cur, int64(next)) {
			return delay
		}
	}
}

func (b *Backoff) Reset() { b.next.Store(0) }

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if d > b.Max {
		d = b.Max
	}
	res := b.Res
	if res == 0 {
		res = time.Millisecond
	}
	if d >= res {
		d = d / res * res
	}
	return d
}
