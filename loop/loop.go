package loop

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// Loop is a single-threaded cooperative scheduler. Every callback it runs
// (posted functions and timers) executes on the goroutine calling Advance,
// so state touched only from callbacks needs no locking.
//
// Post is the only method safe to call from other goroutines.
type Loop struct {
	mu     sync.Mutex
	posted []func()

	now         time.Time
	timers      timerHeap
	seq         uint64
	lastAdvance atomic.Int64
}

// New returns a loop whose clock starts at start.
func New(start time.Time) *Loop {
	l := &Loop{now: start}
	l.lastAdvance.Store(start.UnixNano())
	return l
}

// Now returns the loop time as of the current (or last) Advance.
func (l *Loop) Now() time.Time { return l.now }

// Post queues fn to run on the loop during the next Advance.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
}

// After runs fn once, d after the current loop time.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	return l.schedule(d, 0, fn)
}

// Every runs fn each interval until the returned timer is stopped.
func (l *Loop) Every(interval time.Duration, fn func()) *Timer {
	if interval <= 0 {
		panic("loop: non-positive interval for Every")
	}
	return l.schedule(interval, interval, fn)
}

func (l *Loop) schedule(d, interval time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	l.seq++
	t := &Timer{
		loop:     l,
		deadline: l.now.Add(d),
		interval: interval,
		fn:       fn,
		seq:      l.seq,
		index:    -1,
	}
	heap.Push(&l.timers, t)
	return t
}

// Advance moves the loop clock to now (it never goes backwards) and runs
// posted callbacks and due timers until nothing is left to do. Timers fire
// in deadline order; equal deadlines fire in scheduling order.
func (l *Loop) Advance(now time.Time) {
	if now.After(l.now) {
		l.now = now
	}
	l.lastAdvance.Store(time.Now().UnixNano())
	for {
		ran := l.drainPosted()
		if t := l.popDue(); t != nil {
			l.fire(t)
			ran = true
		}
		if !ran {
			return
		}
	}
}

func (l *Loop) drainPosted() bool {
	l.mu.Lock()
	batch := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range batch {
		l.invoke(fn)
	}
	return len(batch) > 0
}

func (l *Loop) popDue() *Timer {
	if len(l.timers) == 0 || l.timers[0].deadline.After(l.now) {
		return nil
	}
	return heap.Pop(&l.timers).(*Timer)
}

func (l *Loop) fire(t *Timer) {
	if t.interval > 0 {
		l.seq++
		t.seq = l.seq
		t.deadline = t.deadline.Add(t.interval)
		if !t.deadline.After(l.now) {
			t.deadline = l.now.Add(t.interval)
		}
		heap.Push(&l.timers, t)
	}
	l.invoke(t.fn)
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("loop: callback panicked; isolated")
		}
	}()
	fn()
}

// Run advances the loop every interval using clk until ctx is done.
func (l *Loop) Run(ctx context.Context, clk clock.PassiveClock, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("loop: running")
	wait.UntilWithContext(ctx, func(context.Context) {
		l.Advance(clk.Now())
	}, interval)
	log.Info().Msg("loop: stopped")
}

// Stalled reports whether Advance has not been called for longer than
// threshold. Safe from any goroutine.
func (l *Loop) Stalled(threshold time.Duration) bool {
	last := time.Unix(0, l.lastAdvance.Load())
	return time.Since(last) > threshold
}

// Timer is a pending callback on a Loop. Only use it from loop callbacks.
type Timer struct {
	loop     *Loop
	deadline time.Time
	interval time.Duration
	fn       func()
	seq      uint64
	index    int
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	return true
}

// Deadline returns when the timer fires next.
func (t *Timer) Deadline() time.Time { return t.deadline }

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
