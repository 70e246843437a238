// Package diluter turns target concentrations into pump volumes and delivers
// them as timed runs or counted position moves.
package diluter

import (
	"fmt"
	"github.com/jt05610/echemlab"
)

// Request describes one solution taking part in a preparation.
type Request struct {
	Solution string
	// Target and Stock are in mol/L.
	Target  float64
	Stock   float64
	Solvent bool
}

// ComputeVolume returns the µL of stock needed to reach target in total µL.
func ComputeVolume(target, total, stock float64) (float64, error) {
	switch {
	case total < 0:
		return 0, fmt.Errorf("%w: total volume %g", echemlab.ErrValidation, total)
	case target < 0:
		return 0, fmt.Errorf("%w: target concentration %g", echemlab.ErrValidation, target)
	case target == 0:
		return 0, nil
	case stock <= 0:
		return 0, fmt.Errorf("%w: stock concentration is %g with target %g", echemlab.ErrValidation, stock, target)
	case target > stock:
		return 0, fmt.Errorf("%w: target %g M exceeds stock %g M", echemlab.ErrValidation, target, stock)
	}
	return target * total / stock, nil
}

// Volumes computes the volume of every request. Solvents share what remains
// of total after the solutes, split evenly.
func Volumes(total float64, reqs []Request) ([]float64, error) {
	ret := make([]float64, len(reqs))
	var solutes float64
	var solvents int
	for i, r := range reqs {
		if r.Solvent {
			solvents++
			continue
		}
		v, err := ComputeVolume(r.Target, total, r.Stock)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Solution, err)
		}
		ret[i] = v
		solutes += v
	}
	remainder := total - solutes
	if remainder < -1e-9 {
		return nil, fmt.Errorf("%w: solutes need %.1f µL of %.1f µL total", echemlab.ErrValidation, solutes, total)
	}
	if solvents == 0 {
		return ret, nil
	}
	share := max(remainder, 0) / float64(solvents)
	for i, r := range reqs {
		if r.Solvent {
			ret[i] = share
		}
	}
	return ret, nil
}
