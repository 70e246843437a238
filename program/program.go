// Package program holds the experiment program model: an ordered list of
// steps plus the combo parameters swept over them.
package program

import (
	"encoding/json"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/echem"
	"reflect"
	"slices"
	"sort"
)

type StepType string

const (
	PrepSol  StepType = "prep_sol"
	Transfer StepType = "transfer"
	Flush    StepType = "flush"
	Echem    StepType = "echem"
	Blank    StepType = "blank"
	Evacuate StepType = "evacuate"
)

var StepTypes = []StepType{PrepSol, Transfer, Flush, Echem, Blank, Evacuate}

func (t StepType) Valid() bool {
	return slices.Contains(StepTypes, t)
}

// PrepSolParams describes one solution preparation. Concentrations are in
// mol/L and volumes in µL.
type PrepSolParams struct {
	TotalVolume float64            `json:"total_volume_ul"`
	Targets     map[string]float64 `json:"target_concentrations"`
	IsSolvent   map[string]bool    `json:"is_solvent,omitempty"`
	// InjectionOrder lists the participating solutions; when empty every
	// target is injected in name order.
	InjectionOrder []string       `json:"injection_order,omitempty"`
	Groups         map[string]int `json:"injection_order_groups,omitempty"`
	Mode           string         `json:"mode,omitempty"`
	RPM            int            `json:"rpm,omitempty"`
}

func (p *PrepSolParams) Order() []string {
	if len(p.InjectionOrder) > 0 {
		return p.InjectionOrder
	}
	ret := make([]string, 0, len(p.Targets))
	for name := range p.Targets {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// Group is the injection group of a solution, 1 when unset.
func (p *PrepSolParams) Group(name string) int {
	if g, ok := p.Groups[name]; ok && g > 0 {
		return g
	}
	return 1
}

// Batches partitions Order by group, ascending. Each batch keeps the
// injection order of its members.
func (p *PrepSolParams) Batches() [][]string {
	byGroup := make(map[int][]string)
	groups := make([]int, 0)
	for _, name := range p.Order() {
		g := p.Group(name)
		if _, ok := byGroup[g]; !ok {
			groups = append(groups, g)
		}
		byGroup[g] = append(byGroup[g], name)
	}
	sort.Ints(groups)
	ret := make([][]string, len(groups))
	for i, g := range groups {
		ret[i] = byGroup[g]
	}
	return ret
}

type TransferParams struct {
	PumpAddress int                `json:"pump_address"`
	Direction   echemlab.Direction `json:"direction"`
	RPM         int                `json:"rpm"`
	Duration    float64            `json:"duration_s"`
}

// FlushParams overrides the configured flush channels when non-zero.
type FlushParams struct {
	Cycles        int     `json:"cycles"`
	PhaseDuration float64 `json:"phase_duration_s,omitempty"`
	RPM           int     `json:"rpm,omitempty"`
}

// EvacuateParams runs the outlet pump when PumpAddress is 0.
type EvacuateParams struct {
	PumpAddress int                 `json:"pump_address,omitempty"`
	Direction   *echemlab.Direction `json:"direction,omitempty"`
	RPM         int                 `json:"rpm,omitempty"`
	Duration    float64             `json:"duration_s"`
}

type Step struct {
	Type     StepType        `json:"step_type"`
	Name     string          `json:"name,omitempty"`
	Enabled  bool            `json:"enabled"`
	Note     string          `json:"note,omitempty"`
	PrepSol  *PrepSolParams  `json:"prep_sol_params,omitempty"`
	Transfer *TransferParams `json:"transfer_params,omitempty"`
	Flush    *FlushParams    `json:"flush_params,omitempty"`
	EC       *echem.Params   `json:"ec_params,omitempty"`
	Evacuate *EvacuateParams `json:"evacuate_params,omitempty"`
	// WaitTime is the blank step's duration in seconds.
	WaitTime float64 `json:"wait_time,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (s *Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return string(s.Type)
}

// HasParams reports whether the step carries the parameters its type needs.
func (s *Step) HasParams() bool {
	switch s.Type {
	case PrepSol:
		return s.PrepSol != nil
	case Transfer:
		return s.Transfer != nil
	case Echem:
		return s.EC != nil
	case Evacuate:
		return s.Evacuate != nil
	case Flush, Blank:
		return true
	}
	return false
}

type stepAlias Step

func (s *Step) UnmarshalJSON(b []byte) error {
	a := stepAlias{Enabled: true}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	extra, err := splitExtra(b, reflect.TypeOf(a))
	if err != nil {
		return err
	}
	*s = Step(a)
	s.Extra = extra
	return nil
}

func (s Step) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(stepAlias(s))
	if err != nil {
		return nil, err
	}
	return mergeExtra(b, s.Extra)
}

// ComboParameter sweeps the value at Path over Values.
type ComboParameter struct {
	Name   string    `json:"name"`
	Path   string    `json:"target_path"`
	Values []float64 `json:"values"`
	Unit   string    `json:"unit,omitempty"`
}

type Program struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Version     string           `json:"version,omitempty"`
	CreatedAt   string           `json:"created_at,omitempty"`
	ModifiedAt  string           `json:"modified_at,omitempty"`
	Steps       []Step           `json:"steps"`
	Combos      []ComboParameter `json:"combo_params,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type programAlias Program

func (p *Program) UnmarshalJSON(b []byte) error {
	var a programAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	extra, err := splitExtra(b, reflect.TypeOf(a))
	if err != nil {
		return err
	}
	*p = Program(a)
	p.Extra = extra
	return nil
}

func (p Program) MarshalJSON() ([]byte, error) {
	if p.Steps == nil {
		p.Steps = []Step{}
	}
	b, err := json.Marshal(programAlias(p))
	if err != nil {
		return nil, err
	}
	return mergeExtra(b, p.Extra)
}

// Clone returns a deep copy.
func (p *Program) Clone() (*Program, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	ret := new(Program)
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// Enabled returns the indices of the steps that will run.
func (p *Program) Enabled() []int {
	ret := make([]int, 0, len(p.Steps))
	for i := range p.Steps {
		if p.Steps[i].Enabled {
			ret = append(ret, i)
		}
	}
	return ret
}

func (p *Program) ComboPaths() []string {
	ret := make([]string, len(p.Combos))
	for i, c := range p.Combos {
		ret[i] = c.Path
	}
	return ret
}
