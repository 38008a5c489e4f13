package manager

import (
	"context"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/amid/internal/eventq"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

var builderPool = sync.Pool{New: func() any { return new(wire.Builder) }}

// Emit formats an event once, appends it to the event log, wakes every
// session and runs the hooks. It implements pbx.Emitter.
func (m *Manager) Emit(category perm.Mask, event string, headers ...wire.Header) {
	m.emit(category, event, 2, headers)
}

// EmitFields is Emit with alternating name/value strings.
func (m *Manager) EmitFields(category perm.Mask, event string, kv ...string) {
	headers := make([]wire.Header, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		headers = append(headers, wire.Header{Name: kv[i], Value: kv[i+1]})
	}
	m.emit(category, event, 2, headers)
}

func (m *Manager) emit(category perm.Mask, event string, skip int, headers []wire.Header) *eventq.Record {
	settings := m.Settings()
	b := builderPool.Get().(*wire.Builder)
	b.Reset()
	b.Header("Event", event)
	b.Header("Privilege", category.String())
	if settings.TimestampEvents {
		now := m.clock.Now()
		b.Headerf("Timestamp", "%d.%06d", now.Unix(), now.Nanosecond()/1000)
	}
	if settings.Debug {
		b.Header("SequenceNumber", strconv.FormatUint(m.debugSeq.Add(1)-1, 10))
		if pc, file, line, ok := runtime.Caller(skip); ok {
			b.Header("File", filepath.Base(file))
			b.Header("Line", strconv.Itoa(line))
			if fn := runtime.FuncForPC(pc); fn != nil {
				b.Header("Func", filepath.Base(fn.Name()))
			}
		}
	}
	for _, h := range headers {
		b.Header(h.Name, h.Value)
	}
	b.End()
	payload := b.String()
	builderPool.Put(b)

	rec := m.events.Append(category, event, payload)
	m.sessions.each(func(s *Session) { s.notify() })
	m.hooks.run(category, event, payload)
	if m.metrics != nil && m.metrics.events != nil {
		m.metrics.events.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("amid.manager.event", event)))
	}
	return rec
}
