package manager

import (
	"context"
	"sync"

	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

// HookFunc observes every emitted event.
type HookFunc func(category perm.Mask, event, body string)

// Hook is a registered observer.
type Hook struct {
	fn HookFunc
}

type hookRegistry struct {
	mu    sync.RWMutex
	hooks []*Hook
}

func (r *hookRegistry) add(h *Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

func (r *hookRegistry) remove(h *Hook) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.hooks {
		if cur == h {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return true
		}
	}
	return false
}

func (r *hookRegistry) run(category perm.Mask, event, body string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.hooks {
		h.fn(category, event, body)
	}
}

// AddHook registers fn to receive every event. Hooks run synchronously on
// the emitting goroutine, in registration order.
func (m *Manager) AddHook(fn HookFunc) *Hook {
	h := &Hook{fn: fn}
	m.hooks.add(h)
	return h
}

// RemoveHook unregisters h.
func (m *Manager) RemoveHook(h *Hook) bool {
	return m.hooks.remove(h)
}

// SendAction runs msg as an embedded consumer holding every permission and
// returns the reply text. Events are not appended to the reply.
func (m *Manager) SendAction(ctx context.Context, msg *wire.Message) (string, error) {
	s := m.newSession(TransportHook, "hook", "", nil)
	defer m.destroySession(s, "hook_done")
	s.login(&User{Name: "hook", Read: perm.All, Write: perm.All}, 0, true)
	reply, _ := m.Dispatch(ctx, s, msg)
	return reply, ctx.Err()
}
