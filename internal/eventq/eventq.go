// Package eventq holds the process-wide manager event log: an append-only
// singly linked list of immutable, reference counted records that sessions
// walk with private cursors.
package eventq

import (
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/amid/internal/perm"
)

// PlaceholderPayload is the text of the record installed when a log is
// created. It keeps the list non-empty so every cursor has a record to hold.
const PlaceholderPayload = "Event: Placeholder\r\n\r\n"

const terminator = "\r\n\r\n"

// Record is one serialized event. Payload is fixed at construction and always
// ends with a blank line.
type Record struct {
	Category perm.Mask
	Seq      uint64
	Name     string

	payload  string
	usecount atomic.Int32
	next     atomic.Pointer[Record]
}

// Payload returns the serialized event text.
func (r *Record) Payload() string {
	return r.payload
}

// Next returns the successor or nil when r is the tail.
func (r *Record) Next() *Record {
	return r.next.Load()
}

// UseCount returns the number of cursors currently resting on r.
func (r *Record) UseCount() int32 {
	return r.usecount.Load()
}

// Ref pins r for a cursor.
func (r *Record) Ref() {
	r.usecount.Add(1)
}

// Unref releases a cursor pin. The count never drops below zero.
func (r *Record) Unref() {
	for {
		cur := r.usecount.Load()
		if cur <= 0 {
			return
		}
		if r.usecount.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Log is the event list. Appends happen at the tail and removals only at the
// head, both under mu. Readers follow next pointers without locking.
type Log struct {
	mu     sync.Mutex
	head   *Record
	tail   *Record
	length int
	seq    atomic.Uint64
}

// New returns a log holding only the placeholder record.
func New() *Log {
	l := &Log{}
	placeholder := &Record{Name: "Placeholder", payload: PlaceholderPayload}
	placeholder.Seq = l.seq.Add(1) - 1
	l.head = placeholder
	l.tail = placeholder
	l.length = 1
	return l
}

// Append publishes a new record at the tail and returns it. A payload that
// lacks the blank-line terminator is completed.
func (l *Log) Append(category perm.Mask, name, payload string) *Record {
	if !strings.HasSuffix(payload, terminator) {
		payload = strings.TrimRight(payload, "\r\n") + terminator
	}
	rec := &Record{Category: category, Name: name, payload: payload}
	l.mu.Lock()
	rec.Seq = l.seq.Add(1) - 1
	l.tail.next.Store(rec)
	l.tail = rec
	l.length++
	l.mu.Unlock()
	return rec
}

// Grab pins and returns the current tail. New cursors start here so they only
// see records appended afterwards.
func (l *Log) Grab() *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tail.Ref()
	return l.tail
}

// Tail returns the newest record without pinning it.
func (l *Log) Tail() *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}

// Advance moves a cursor one step forward. When cur is the tail it is
// returned unchanged.
func Advance(cur *Record) *Record {
	next := cur.Next()
	if next == nil {
		return cur
	}
	next.Ref()
	cur.Unref()
	return next
}

// Release drops a cursor pin, typically when a session is destroyed.
func Release(cur *Record) {
	if cur != nil {
		cur.Unref()
	}
}

// Purge unlinks up to limit records from the head while the head is unpinned
// and has a successor. The tail is never removed. A limit of zero or less
// removes every eligible record.
func (l *Log) Purge(limit int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for l.head.UseCount() == 0 {
		next := l.head.Next()
		if next == nil {
			break
		}
		if limit > 0 && removed >= limit {
			break
		}
		l.head = next
		l.length--
		removed++
	}
	return removed
}

// Len returns the number of records in the list.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// Snapshot returns the records from head to tail at the time of the call.
func (l *Log) Snapshot() []*Record {
	l.mu.Lock()
	head, tail := l.head, l.tail
	n := l.length
	l.mu.Unlock()
	out := make([]*Record, 0, n)
	for r := head; r != nil; r = r.Next() {
		out = append(out, r)
		if r == tail {
			break
		}
	}
	return out
}
