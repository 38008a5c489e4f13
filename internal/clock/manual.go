package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Manual is a Clock that only moves when a test tells it to. Timers fire in
// deadline order when Advance or Set passes them.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	pending deadlines
}

type deadline struct {
	at  time.Time
	seq uint64
	ch  chan time.Time
}

// deadlines is a min-heap keyed by (at, seq).
type deadlines struct {
	items []deadline
	seq   uint64
}

func (d *deadlines) Len() int { return len(d.items) }
func (d *deadlines) Less(i, j int) bool {
	a, b := d.items[i], d.items[j]
	if a.at.Equal(b.at) {
		return a.seq < b.seq
	}
	return a.at.Before(b.at)
}
func (d *deadlines) Swap(i, j int) { d.items[i], d.items[j] = d.items[j], d.items[i] }
func (d *deadlines) Push(x any)    { d.items = append(d.items, x.(deadline)) }
func (d *deadlines) Pop() any {
	last := d.items[len(d.items)-1]
	d.items = d.items[:len(d.items)-1]
	return last
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the clock reaches now+d. A
// non-positive d fires at once.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.pending.seq++
	heap.Push(&m.pending, deadline{at: m.now.Add(d), seq: m.pending.seq, ch: ch})
	return ch
}

func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d and returns the new reading.
// Negative values are ignored.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fireLocked(m.now.Add(d))
	return m.now
}

// Set jumps the clock to t. Moving backwards is not allowed and leaves the
// clock unchanged.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Before(m.now) {
		return
	}
	m.fireLocked(t.UTC())
}

func (m *Manual) fireLocked(to time.Time) {
	m.now = to
	for m.pending.Len() > 0 && !m.pending.items[0].at.After(to) {
		next := heap.Pop(&m.pending).(deadline)
		next.ch <- to
	}
}

// Pending reports how many timers have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}
