// Package mempbx is an in-memory implementation of the pbx collaborators.
// It keeps channels, hints, mailboxes and modules in process memory, runs
// channel state changes on the "pbx-channels" taskprocessor and reports them
// through a pbx.Emitter.
package mempbx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/amid/internal/clock"
	"pkt.systems/amid/internal/pbx"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/svcfields"
	"pkt.systems/amid/internal/taskproc"
	"pkt.systems/amid/internal/wire"
	"pkt.systems/pslog"
)

// ChannelsProcessor is the taskprocessor that serialises channel changes.
const ChannelsProcessor = "pbx-channels"

// Options configures a PBX.
type Options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	Tasks      *taskproc.Registry
	SystemName string
	Version    string
	MaxCalls   int
	MaxLoadAvg float64
}

// PBX is the in-memory collaborator set.
type PBX struct {
	logger pslog.Logger
	clock  clock.Clock
	tasks  *taskproc.Registry
	proc   *taskproc.Processor

	emitMu  sync.RWMutex
	emitter pbx.Emitter

	mu       sync.Mutex
	channels map[string]*channel
	order    []string
	globals  map[string]string
	hints    map[string]hint
	boxes    map[string]*mailbox
	modules  map[string]*module
	seq      uint64

	funcs map[string]function

	systemName string
	version    string
	maxCalls   int
	maxLoad    float64
	started    time.Time
	reloaded   time.Time
}

// New builds a PBX and takes a reference on the channels taskprocessor.
func New(opts Options) (*PBX, error) {
	if opts.Tasks == nil {
		return nil, errors.New("mempbx: taskprocessor registry required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	proc, err := opts.Tasks.Get(ChannelsProcessor, taskproc.CreateIfMissing)
	if err != nil {
		return nil, fmt.Errorf("mempbx: %w", err)
	}
	now := opts.Clock.Now()
	p := &PBX{
		logger:     svcfields.WithSubsystem(opts.Logger, "pbx.mem"),
		clock:      opts.Clock,
		tasks:      opts.Tasks,
		proc:       proc,
		channels:   make(map[string]*channel),
		globals:    make(map[string]string),
		hints:      make(map[string]hint),
		boxes:      make(map[string]*mailbox),
		modules:    make(map[string]*module),
		systemName: opts.SystemName,
		version:    opts.Version,
		maxCalls:   opts.MaxCalls,
		maxLoad:    opts.MaxLoadAvg,
		started:    now,
		reloaded:   now,
	}
	p.funcs = builtinFunctions(p)
	return p, nil
}

// Close cancels channel timers and releases the taskprocessor reference.
func (p *PBX) Close() {
	p.mu.Lock()
	for _, ch := range p.channels {
		ch.stopTimer()
	}
	p.mu.Unlock()
	p.tasks.Unref(p.proc)
}

// SetEmitter installs the event sink. Events produced before an emitter is
// set are dropped.
func (p *PBX) SetEmitter(e pbx.Emitter) {
	p.emitMu.Lock()
	p.emitter = e
	p.emitMu.Unlock()
}

// Bundle exposes p through the collaborator interfaces.
func (p *PBX) Bundle() pbx.PBX {
	return pbx.PBX{
		Channels:  p,
		Functions: p,
		Dialplan:  p,
		Voicemail: p,
		Modules:   p,
		Core:      p,
	}
}

// Flush waits until every queued channel change has been applied and its
// events emitted.
func (p *PBX) Flush(ctx context.Context) error {
	_, err := p.proc.Ping(ctx)
	return err
}

// emit queues an event behind any earlier channel change.
func (p *PBX) emit(category perm.Mask, event string, headers ...wire.Header) {
	if err := p.proc.Push(func(any) error {
		p.emitNow(category, event, headers...)
		return nil
	}, nil); err != nil {
		p.logger.Debug("amid.pbx.emit_dropped", "event", event, "error", err)
	}
}

func (p *PBX) emitNow(category perm.Mask, event string, headers ...wire.Header) {
	p.emitMu.RLock()
	e := p.emitter
	p.emitMu.RUnlock()
	if e != nil {
		e.Emit(category, event, headers...)
	}
}

func (p *PBX) nextSeq() uint64 {
	p.seq++
	return p.seq
}
