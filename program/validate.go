package program

import (
	"github.com/jt05610/echemlab"
	"strings"
)

// Validate checks the program on its own, without a system configuration.
// Hardware checks happen when the engine pre-checks a start.
func (p *Program) Validate() echemlab.Issues {
	issues := make(echemlab.Issues, 0)
	if strings.TrimSpace(p.Name) == "" {
		issues.Warnf(-1, "name", "program has no name")
	}
	if len(p.Enabled()) == 0 {
		issues.Errorf(-1, "steps", "no enabled steps")
	}
	for i := range p.Steps {
		p.Steps[i].check(&issues, i)
	}
	seen := make(map[string]bool)
	for i, c := range p.Combos {
		field := "combo_params"
		if c.Name == "" {
			issues.Errorf(-1, field, "combo parameter %d has no name", i)
		} else if seen[c.Name] {
			issues.Errorf(-1, field, "duplicate combo parameter %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Values) == 0 {
			issues.Errorf(-1, field, "%s has no values", c.Name)
		}
		if _, err := p.Number(c.Path); err != nil {
			issues.Errorf(-1, field, "%s: %v", c.Name, err)
		}
	}
	return issues
}

func (s *Step) check(issues *echemlab.Issues, i int) {
	if !s.Type.Valid() {
		issues.Errorf(i, "step_type", "unknown step type %q", s.Type)
		return
	}
	if !s.Enabled {
		return
	}
	switch s.Type {
	case PrepSol:
		p := s.PrepSol
		if p == nil {
			issues.Errorf(i, "prep_sol_params", "missing")
			return
		}
		if p.TotalVolume <= 0 {
			issues.Errorf(i, "prep_sol_params.total_volume_ul", "must be positive")
		}
		if len(p.Targets) == 0 {
			issues.Errorf(i, "prep_sol_params.target_concentrations", "no solutions")
		}
		for name, c := range p.Targets {
			if c < 0 {
				issues.Errorf(i, "prep_sol_params.target_concentrations."+name, "negative concentration")
			}
		}
		seen := make(map[string]bool)
		for _, name := range p.InjectionOrder {
			if _, ok := p.Targets[name]; !ok && !p.IsSolvent[name] {
				issues.Errorf(i, "prep_sol_params.injection_order", "%s has no target concentration", name)
			}
			if seen[name] {
				issues.Errorf(i, "prep_sol_params.injection_order", "%s listed twice", name)
			}
			seen[name] = true
		}
		for name, g := range p.Groups {
			if g < 1 {
				issues.Errorf(i, "prep_sol_params.injection_order_groups."+name, "group must be at least 1")
			}
		}
		switch p.Mode {
		case "", "auto", "timed", "position":
		default:
			issues.Errorf(i, "prep_sol_params.mode", "unknown mode %q", p.Mode)
		}
	case Transfer:
		p := s.Transfer
		if p == nil {
			issues.Errorf(i, "transfer_params", "missing")
			return
		}
		if p.PumpAddress < 1 || p.PumpAddress > 255 {
			issues.Errorf(i, "transfer_params.pump_address", "address %d out of range", p.PumpAddress)
		}
		if p.RPM <= 0 {
			issues.Errorf(i, "transfer_params.rpm", "must be positive")
		}
		if p.Duration <= 0 {
			issues.Errorf(i, "transfer_params.duration_s", "must be positive")
		}
	case Flush:
		if s.Flush != nil && s.Flush.Cycles < 0 {
			issues.Errorf(i, "flush_params.cycles", "must not be negative")
		}
	case Echem:
		if s.EC == nil {
			issues.Errorf(i, "ec_params", "missing")
			return
		}
		s.EC.Check(issues, i)
	case Blank:
		if s.WaitTime < 0 {
			issues.Errorf(i, "wait_time", "must not be negative")
		}
	case Evacuate:
		p := s.Evacuate
		if p == nil {
			issues.Errorf(i, "evacuate_params", "missing")
			return
		}
		if p.PumpAddress < 0 || p.PumpAddress > 255 {
			issues.Errorf(i, "evacuate_params.pump_address", "address %d out of range", p.PumpAddress)
		}
		if p.Duration <= 0 {
			issues.Errorf(i, "evacuate_params.duration_s", "must be positive")
		}
	}
}
