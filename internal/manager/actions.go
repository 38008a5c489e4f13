package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/amid/internal/perm"
)

var (
	// ErrDuplicateAction rejects a second registration of a name.
	ErrDuplicateAction = errors.New("manager: action already registered")
	// ErrActionInUse is returned when an action is still executing after the
	// unregister deadline.
	ErrActionInUse = errors.New("manager: action in use")
	// ErrNoSuchAction is returned by Unregister for unknown names.
	ErrNoSuchAction = errors.New("manager: no such action")
)

// unregisterDeadline bounds how long Unregister waits for running calls.
const unregisterDeadline = 5 * time.Second

// Result tells the transport what to do after a handler returns.
type Result int

const (
	// ResultContinue keeps the session open.
	ResultContinue Result = iota
	// ResultClose closes the session once the reply is written.
	ResultClose
)

// ActionFunc handles one request. It writes its reply through r.
type ActionFunc func(ctx context.Context, r *Request) (Result, error)

// Action is a named, permission gated handler. A caller needs every bit
// of Required and, when AnyOf is set, at least one bit of AnyOf.
type Action struct {
	Name        string
	Required    perm.Mask
	AnyOf       perm.Mask
	Synopsis    string
	Description string
	Handler     ActionFunc

	key  string
	refs atomic.Int32
}

// Allowed reports whether a session with write mask may call a.
func (a *Action) Allowed(write perm.Mask) bool {
	if !write.Has(a.Required) {
		return false
	}
	return a.AnyOf == 0 || write.HasAny(a.AnyOf)
}

// Privilege is every category that takes part in the gate.
func (a *Action) Privilege() perm.Mask {
	return a.Required | a.AnyOf
}

// InUse returns the number of running calls.
func (a *Action) InUse() int {
	return int(a.refs.Load())
}

// actionRegistry keeps actions sorted by lowercase name.
type actionRegistry struct {
	mu      sync.RWMutex
	actions []*Action
}

func (r *actionRegistry) search(key string) (int, bool) {
	i := sort.Search(len(r.actions), func(i int) bool { return r.actions[i].key >= key })
	return i, i < len(r.actions) && r.actions[i].key == key
}

func (r *actionRegistry) register(a *Action) error {
	if a == nil || strings.TrimSpace(a.Name) == "" || a.Handler == nil {
		return fmt.Errorf("manager: invalid action")
	}
	a.key = strings.ToLower(strings.TrimSpace(a.Name))
	r.mu.Lock()
	defer r.mu.Unlock()
	i, found := r.search(a.key)
	if found {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, a.Name)
	}
	r.actions = append(r.actions, nil)
	copy(r.actions[i+1:], r.actions[i:])
	r.actions[i] = a
	return nil
}

// unregister waits up to the deadline for in-flight calls to finish.
func (r *actionRegistry) unregister(ctx context.Context, name string) error {
	key := strings.ToLower(strings.TrimSpace(name))
	deadline := time.Now().Add(unregisterDeadline)
	for {
		r.mu.Lock()
		i, found := r.search(key)
		if !found {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNoSuchAction, name)
		}
		if r.actions[i].refs.Load() == 0 {
			r.actions = append(r.actions[:i], r.actions[i+1:]...)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrActionInUse, name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// acquire finds name and pins it for the duration of a call.
func (r *actionRegistry) acquire(name string) (*Action, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, found := r.search(key)
	if !found {
		return nil, false
	}
	a := r.actions[i]
	a.refs.Add(1)
	return a, true
}

func (r *actionRegistry) find(name string) (*Action, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, found := r.search(key)
	if !found {
		return nil, false
	}
	return r.actions[i], true
}

func (r *actionRegistry) list() []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Action(nil), r.actions...)
}

// RegisterAction adds a. Names are unique regardless of case.
func (m *Manager) RegisterAction(a *Action) error {
	if err := m.actions.register(a); err != nil {
		return err
	}
	m.logger.Debug("amid.manager.action.registered", "action", a.Name, "privilege", a.Privilege().String())
	return nil
}

// UnregisterAction removes name, waiting briefly for running calls.
func (m *Manager) UnregisterAction(ctx context.Context, name string) error {
	return m.actions.unregister(ctx, name)
}

// Actions returns the registered actions in name order.
func (m *Manager) Actions() []*Action {
	return m.actions.list()
}
