package history

import (
	"github.com/jt05610/echemlab/events"
	"go.uber.org/zap"
	"sync"
)

// Recorder builds run records from the event stream. A record is written
// when the run starts and rewritten when it ends.
type Recorder struct {
	logger *zap.Logger
	store  *Store
	mu     sync.Mutex
	runs   map[string]*Record
}

func NewRecorder(logger *zap.Logger, store *Store) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger, store: store, runs: make(map[string]*Record)}
}

// Attach subscribes the recorder to bus and returns the unsubscribe func.
func (r *Recorder) Attach(bus *events.Bus) func() {
	return bus.Subscribe(r.Handle,
		events.ExperimentStarted, events.StepCompleted, events.EchemData,
		events.ExperimentCompleted, events.ExperimentStopped, events.ExperimentError)
}

func (r *Recorder) Handle(ev events.Event) {
	if ev.RunID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[ev.RunID]
	if !ok {
		rec = &Record{ID: ev.RunID, Started: ev.Time, Outcome: "running"}
		r.runs[ev.RunID] = rec
	}
	switch ev.Type {
	case events.ExperimentStarted:
		rec.Started = ev.Time
		rec.Program, _ = ev.Data["program"].(string)
		rec.ComboMode, _ = ev.Data["combo_mode"].(bool)
		rec.Combos, _ = ev.Data["combos"].(int)
	case events.StepCompleted:
		if ok, _ := ev.Data["success"].(bool); ok {
			rec.Steps++
		} else {
			rec.StepsFailed++
		}
		return
	case events.EchemData:
		if f, ok := ev.Data["file"].(string); ok {
			rec.Files = append(rec.Files, f)
		}
		return
	case events.ExperimentCompleted, events.ExperimentStopped, events.ExperimentError:
		rec.Finished = ev.Time
		rec.Outcome = outcome(ev.Type)
		rec.Error, _ = ev.Data["error"].(string)
		delete(r.runs, ev.RunID)
	}
	if err := r.store.Put(*rec); err != nil {
		r.logger.Error("write run record", zap.String("run", rec.ID), zap.Error(err))
	}
}

func outcome(t events.Type) string {
	switch t {
	case events.ExperimentCompleted:
		return "completed"
	case events.ExperimentStopped:
		return "stopped"
	default:
		return "error"
	}
}
