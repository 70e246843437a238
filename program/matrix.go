package program

import (
	"fmt"
	"strings"
)

// Matrix is the Cartesian product of the combo parameter values. The last
// parameter varies fastest.
type Matrix struct {
	Params []ComboParameter
	Rows   [][]float64
}

func NewMatrix(params []ComboParameter) Matrix {
	m := Matrix{Params: params}
	if len(params) == 0 {
		return m
	}
	n := 1
	for _, p := range params {
		n *= len(p.Values)
	}
	m.Rows = make([][]float64, n)
	for i := range m.Rows {
		row := make([]float64, len(params))
		rem := i
		for j := len(params) - 1; j >= 0; j-- {
			vals := params[j].Values
			row[j] = vals[rem%len(vals)]
			rem /= len(vals)
		}
		m.Rows[i] = row
	}
	return m
}

func (m Matrix) Len() int {
	return len(m.Rows)
}

// Combo returns row i keyed by parameter name.
func (m Matrix) Combo(i int) map[string]float64 {
	ret := make(map[string]float64, len(m.Params))
	for j, p := range m.Params {
		ret[p.Name] = m.Rows[i][j]
	}
	return ret
}

// Apply writes row i into prog.
func (m Matrix) Apply(prog *Program, i int) error {
	if i < 0 || i >= len(m.Rows) {
		return fmt.Errorf("combo %d out of range (%d)", i, len(m.Rows))
	}
	for j, p := range m.Params {
		if err := prog.Set(p.Path, m.Rows[i][j]); err != nil {
			return err
		}
	}
	return nil
}

// Describe formats row i as "name=value unit, ...".
func (m Matrix) Describe(i int) string {
	parts := make([]string, len(m.Params))
	for j, p := range m.Params {
		parts[j] = fmt.Sprintf("%s=%g", p.Name, m.Rows[i][j])
		if p.Unit != "" {
			parts[j] += " " + p.Unit
		}
	}
	return strings.Join(parts, ", ")
}

func (p *Program) FillMatrix() Matrix {
	return NewMatrix(p.Combos)
}
