// Package taskproc implements named single-worker FIFO task processors.
//
// Each processor owns exactly one goroutine that executes pushed tasks in
// order. Processors live in a Registry keyed by name; callers obtain counted
// references with Get and give them back with Unref. When the last reference
// is released the processor is unlinked, its worker stopped and any queued
// tasks discarded without running.
package taskproc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eapache/queue"

	"pkt.systems/amid/internal/svcfields"
	"pkt.systems/pslog"
)

// Flag selects the lookup behaviour of Registry.Get.
type Flag int

const (
	// CreateIfMissing returns the existing processor or creates it.
	CreateIfMissing Flag = iota
	// RefIfExists only references an existing processor.
	RefIfExists
)

var (
	// ErrNotFound is returned by Get with RefIfExists for unknown names.
	ErrNotFound = errors.New("taskproc: no such processor")
	// ErrStopped is returned when pushing to a processor that was torn down.
	ErrStopped = errors.New("taskproc: processor stopped")
	// ErrInvalidName rejects empty processor names.
	ErrInvalidName = errors.New("taskproc: empty name")
)

// TaskFunc is the unit of work. The caller owns data.
type TaskFunc func(data any) error

type task struct {
	fn   TaskFunc
	data any
}

// Stats is a point-in-time view of a processor.
type Stats struct {
	Processed uint64
	MaxDepth  int
	Depth     int
}

// Processor is a named worker with its own FIFO.
type Processor struct {
	name   string
	logger pslog.Logger

	refs int // guarded by Registry.mu

	mu        sync.Mutex
	cond      *sync.Cond
	tasks     *queue.Queue
	running   bool
	processed uint64
	maxDepth  int
	done      chan struct{}
}

// Registry is the set of live processors.
type Registry struct {
	mu     sync.Mutex
	procs  map[string]*Processor
	logger pslog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger pslog.Logger) *Registry {
	r := &Registry{
		procs:  make(map[string]*Processor),
		logger: svcfields.WithSubsystem(logger, "taskproc"),
	}
	newRegistryMetrics(r.logger, r)
	return r
}

// Get returns a referenced processor. Every successful Get must be balanced
// by Unref.
func (r *Registry) Get(name string, flag Flag) (*Processor, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[name]; ok {
		p.refs++
		return p, nil
	}
	if flag == RefIfExists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p := &Processor{
		name:    name,
		logger:  r.logger.With("processor", name),
		refs:    1,
		tasks:   queue.New(),
		running: true,
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	r.procs[name] = p
	go p.run()
	p.logger.Debug("amid.taskproc.created")
	return p, nil
}

// Unref releases a reference obtained from Get. Releasing the last reference
// removes the processor from the registry and stops it.
func (r *Registry) Unref(p *Processor) {
	if p == nil {
		return
	}
	r.mu.Lock()
	p.refs--
	last := p.refs <= 0
	if last && r.procs[p.name] == p {
		delete(r.procs, p.name)
	}
	r.mu.Unlock()
	if last {
		p.stop()
	}
}

// Lookup returns a processor without referencing it.
func (r *Registry) Lookup(name string) (*Processor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[name]
	return p, ok
}

// List returns the live processors ordered by name.
func (r *Registry) List() []*Processor {
	r.mu.Lock()
	out := make([]*Processor, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Shutdown stops every processor regardless of outstanding references.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	procs := make([]*Processor, 0, len(r.procs))
	for name, p := range r.procs {
		procs = append(procs, p)
		delete(r.procs, name)
	}
	r.mu.Unlock()
	for _, p := range procs {
		p.stop()
	}
}

// Name returns the processor name.
func (p *Processor) Name() string {
	return p.name
}

// Push appends a task and wakes the worker.
func (p *Processor) Push(fn TaskFunc, data any) error {
	if fn == nil {
		return errors.New("taskproc: nil task")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrStopped
	}
	p.tasks.Add(task{fn: fn, data: data})
	p.cond.Signal()
	return nil
}

// Stats returns the current counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Processed: p.processed, MaxDepth: p.maxDepth, Depth: p.tasks.Length()}
}

// Ping pushes an empty task and waits for the worker to reach it.
func (p *Processor) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	reached := make(chan struct{})
	if err := p.Push(func(any) error {
		close(reached)
		return nil
	}, nil); err != nil {
		return 0, err
	}
	select {
	case <-reached:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Processor) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for p.running && p.tasks.Length() == 0 {
			p.cond.Wait()
		}
		if !p.running {
			discarded := p.tasks.Length()
			for p.tasks.Length() > 0 {
				p.tasks.Remove()
			}
			p.mu.Unlock()
			if discarded > 0 {
				p.logger.Debug("amid.taskproc.discarded", "tasks", discarded)
			}
			return
		}
		depth := p.tasks.Length()
		t := p.tasks.Remove().(task)
		p.mu.Unlock()

		p.execute(t)

		p.mu.Lock()
		p.processed++
		if depth > p.maxDepth {
			p.maxDepth = depth
		}
		p.mu.Unlock()
	}
}

func (p *Processor) execute(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("amid.taskproc.task_panic", "panic", rec)
		}
	}()
	if err := t.fn(t.data); err != nil {
		p.logger.Debug("amid.taskproc.task_error", "error", err)
	}
}

func (p *Processor) stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.running = false
	p.cond.Broadcast()
	p.mu.Unlock()
	<-p.done
	p.logger.Debug("amid.taskproc.stopped")
}
