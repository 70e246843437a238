package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

type State int

const (
	Idle State = iota
	Loading
	Ready
	Running
	Paused
	Stopping
	Completed
	Error
)

var stateNames = [...]string{"idle", "loading", "ready", "running", "paused", "stopping", "completed", "error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

// Active reports whether a run is in progress.
func (s State) Active() bool {
	return s == Running || s == Paused || s == Stopping
}

type Status struct {
	State      State         `json:"state"`
	RunID      string        `json:"run_id,omitempty"`
	Program    string        `json:"program,omitempty"`
	Step       int           `json:"step"`
	StepName   string        `json:"step_name,omitempty"`
	Steps      int           `json:"steps"`
	Combo      int           `json:"combo"`
	Combos     int           `json:"combos"`
	Started    time.Time     `json:"started,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	LastError  string        `json:"last_error,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	ComboMode  bool          `json:"combo_mode"`
}

// Progress is the periodic snapshot published while a run is active.
type Progress struct {
	Status
	StepProgress float64 `json:"step_progress"`
	Message      string  `json:"message,omitempty"`
	Batch        int     `json:"batch,omitempty"`
	Batches      int     `json:"batches,omitempty"`
	Overall      float64 `json:"overall"`
}
