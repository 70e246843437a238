// Package events carries engine notifications to any number of observers
// without letting a slow observer stall the engine.
package events

import (
	"go.uber.org/zap"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	ExperimentStarted   Type = "experiment_started"
	ExperimentCompleted Type = "experiment_completed"
	ExperimentStopped   Type = "experiment_stopped"
	ExperimentError     Type = "experiment_error"
	StepStarted         Type = "step_started"
	StepCompleted       Type = "step_completed"
	StepProgress        Type = "step_progress"
	ComboAdvanced       Type = "combo_advanced"
	EchemData           Type = "echem_data"
	StateChanged        Type = "state_changed"
)

var Types = []Type{
	ExperimentStarted, ExperimentCompleted, ExperimentStopped, ExperimentError,
	StepStarted, StepCompleted, StepProgress, ComboAdvanced, EchemData, StateChanged,
}

// DefaultSendTimeout bounds how long Publish waits on a full subscriber
// buffer for an event that may not be dropped.
const DefaultSendTimeout = 2 * time.Second

// Droppable reports whether t may be discarded when a subscriber falls
// behind. Only the high-rate progress and data events are.
func (t Type) Droppable() bool {
	return t == StepProgress || t == EchemData
}

// Terminal reports whether t ends a run.
func (t Type) Terminal() bool {
	return t == ExperimentCompleted || t == ExperimentStopped || t == ExperimentError
}

type Event struct {
	Type  Type           `json:"type"`
	RunID string         `json:"run_id,omitempty"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

type Subscriber func(Event)

type subscription struct {
	types []Type
	ch    chan Event
}

func (s *subscription) wants(t Type) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Bus delivers each event to every interested subscriber on its own
// goroutine. When a subscriber's buffer is full a droppable event is
// dropped for that subscriber and counted; any other event waits for room
// up to the send timeout before it is dropped.
type Bus struct {
	logger      *zap.Logger
	mu          sync.RWMutex
	subs        []*subscription
	bufferSize  int
	sendTimeout time.Duration
	dropped     atomic.Int64
	wg          sync.WaitGroup
	closed      bool
}

func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{logger: logger, bufferSize: bufferSize, sendTimeout: DefaultSendTimeout}
}

// SetSendTimeout changes how long a lifecycle event waits on a full
// subscriber. Zero or less restores the default.
func (b *Bus) SetSendTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultSendTimeout
	}
	b.mu.Lock()
	b.sendTimeout = d
	b.mu.Unlock()
}

// Subscribe registers fn for the given types, or for every type when none
// are given. The returned function unsubscribes.
func (b *Bus) Subscribe(fn Subscriber, types ...Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{types: types, ch: make(chan Event, b.bufferSize)}
	if b.closed {
		close(sub.ch)
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			b.deliver(fn, ev)
		}
	}()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = slices.Delete(b.subs, i, i+1)
				close(sub.ch)
				return
			}
		}
	}
}

func (b *Bus) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", zap.String("type", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// Publish stamps ev with the current time when unset and fans it out.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
			continue
		default:
		}
		if !ev.Type.Droppable() && b.wait(s, ev) {
			continue
		}
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 || !ev.Type.Droppable() {
			b.logger.Warn("event dropped", zap.String("type", string(ev.Type)), zap.Int64("dropped", n))
		}
	}
}

// wait blocks until s has room for ev or the send timeout passes. The read
// lock is held throughout so s.ch cannot be closed underneath.
func (b *Bus) wait(s *subscription, ev Event) bool {
	timer := time.NewTimer(b.sendTimeout)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription and waits for queued events to be
// delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	b.mu.Unlock()
	b.wg.Wait()
}
