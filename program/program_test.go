package program

import (
	"encoding/json"
	"errors"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/echem"
	"github.com/stretchr/testify/require"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

const sweepJSON = `{
  "name": "sweep",
  "description": "blank then CV",
  "version": "1",
  "lab_notebook": {"page": 42},
  "steps": [
    {"step_type": "blank", "wait_time": 1, "operator": "kc"},
    {"step_type": "echem", "name": "cv", "ec_params": {
      "technique": "CV", "initial_potential": 0, "high_potential": 0.8,
      "low_potential": -0.2, "scan_rate": 0.1, "segments": 2
    }},
    {"step_type": "prep_sol", "enabled": false, "prep_sol_params": {
      "total_volume_ul": 10000,
      "target_concentrations": {"HCl": 0.1, "water": 0},
      "is_solvent": {"water": true},
      "injection_order": ["HCl", "water"]
    }}
  ],
  "combo_params": [
    {"name": "wait", "target_path": "steps[0].wait_time", "values": [0.1, 0.2], "unit": "s"},
    {"name": "scan_rate", "target_path": "steps[1].ec_params.scan_rate", "values": [0.05, 0.1]}
  ]
}`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(sweepJSON))
	require.NoError(t, err)
	require.Len(t, p.Steps, 3)
	require.True(t, p.Steps[0].Enabled, "enabled defaults to true")
	require.False(t, p.Steps[2].Enabled)
	require.Equal(t, Echem, p.Steps[1].Type)
	require.Equal(t, 0.1, p.Steps[1].EC.ScanRate)
	require.Contains(t, p.Extra, "lab_notebook")
	require.Contains(t, p.Steps[0].Extra, "operator")
	require.Equal(t, []int{0, 1}, p.Enabled())
}

func TestRoundTrip_PreservesUnknown(t *testing.T) {
	p, err := Parse([]byte(sweepJSON))
	require.NoError(t, err)
	b, err := json.Marshal(p)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Equal(t, map[string]any{"page": float64(42)}, raw["lab_notebook"])
	steps := raw["steps"].([]any)
	require.Equal(t, "kc", steps[0].(map[string]any)["operator"])

	again, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, p, again)
}

func randomProgram(r *rand.Rand) *Program {
	p := &Program{Name: "random", Version: "2"}
	for i := 0; i < 1+r.Intn(6); i++ {
		s := Step{Enabled: r.Intn(4) > 0, Note: "n"}
		switch StepTypes[r.Intn(len(StepTypes))] {
		case PrepSol:
			s.Type = PrepSol
			s.PrepSol = &PrepSolParams{
				TotalVolume:    float64(1 + r.Intn(20000)),
				Targets:        map[string]float64{"A": r.Float64(), "W": 0},
				IsSolvent:      map[string]bool{"W": true},
				InjectionOrder: []string{"A", "W"},
				Groups:         map[string]int{"A": 1 + r.Intn(3)},
				Mode:           "auto",
			}
		case Transfer:
			s.Type = Transfer
			s.Transfer = &TransferParams{PumpAddress: 1 + r.Intn(12), Direction: echemlab.Direction(r.Intn(2)), RPM: r.Intn(3000), Duration: r.Float64() * 10}
		case Flush:
			s.Type = Flush
			s.Flush = &FlushParams{Cycles: r.Intn(5), PhaseDuration: r.Float64()}
		case Echem:
			s.Type = Echem
			s.EC = &echem.Params{Technique: "CV", HighPotential: r.Float64(), LowPotential: -r.Float64(), ScanRate: r.Float64(), Segments: 1 + r.Intn(4)}
		case Blank:
			s.Type = Blank
			s.WaitTime = r.Float64() * 5
		case Evacuate:
			s.Type = Evacuate
			d := echemlab.Reverse
			s.Evacuate = &EvacuateParams{Direction: &d, Duration: 1 + r.Float64()}
		}
		p.Steps = append(p.Steps, s)
	}
	return p
}

func TestRoundTrip_Property(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		p := randomProgram(r)
		b, err := json.Marshal(p)
		require.NoError(t, err)
		got, err := Parse(b)
		require.NoError(t, err)
		require.Equal(t, p, got, "iteration %d: %s", i, b)
	}
}

func TestPath(t *testing.T) {
	p, err := Parse([]byte(sweepJSON))
	require.NoError(t, err)

	v, err := p.Number("steps[1].ec_params.scan_rate")
	require.NoError(t, err)
	require.Equal(t, 0.1, v)

	require.NoError(t, p.Set("steps[0].wait_time", 2.5))
	require.Equal(t, 2.5, p.Steps[0].WaitTime)

	require.NoError(t, p.Set("steps[2].prep_sol_params.target_concentrations.HCl", 0.25))
	require.Equal(t, 0.25, p.Steps[2].PrepSol.Targets["HCl"])

	require.NoError(t, p.Set("steps[1].ec_params.segments", 4))
	require.Equal(t, 4, p.Steps[1].EC.Segments)
	require.Error(t, p.Set("steps[1].ec_params.segments", 4.5))

	bad := []string{
		"",
		"steps[9].wait_time",
		"steps[0].ec_params.scan_rate",
		"steps[1].ec_params.nope",
		"steps[x].wait_time",
		"steps[1",
		"steps..name",
		"steps[2].prep_sol_params.target_concentrations.NaCl",
	}
	for _, path := range bad {
		_, err := p.Get(path)
		require.Error(t, err, path)
		require.True(t, errors.Is(err, echemlab.ErrValidation), path)
	}
}

func TestMatrix(t *testing.T) {
	p, err := Parse([]byte(sweepJSON))
	require.NoError(t, err)
	m := p.FillMatrix()
	require.Equal(t, 4, m.Len())
	want := []map[string]float64{
		{"wait": 0.1, "scan_rate": 0.05},
		{"wait": 0.1, "scan_rate": 0.1},
		{"wait": 0.2, "scan_rate": 0.05},
		{"wait": 0.2, "scan_rate": 0.1},
	}
	for i, w := range want {
		require.Equal(t, w, m.Combo(i))
	}
	require.Equal(t, "wait=0.1 s, scan_rate=0.05", m.Describe(0))

	require.NoError(t, m.Apply(p, 3))
	require.Equal(t, 0.2, p.Steps[0].WaitTime)
	require.Equal(t, 0.1, p.Steps[1].EC.ScanRate)
	require.Error(t, m.Apply(p, 4))
}

func TestMatrix_Product(t *testing.T) {
	params := []ComboParameter{
		{Name: "a", Values: []float64{1, 2, 3}},
		{Name: "b", Values: []float64{10, 20}},
		{Name: "c", Values: []float64{100, 200, 300, 400}},
	}
	m := NewMatrix(params)
	require.Equal(t, 24, m.Len())
	seen := make(map[[3]float64]bool)
	for _, row := range m.Rows {
		key := [3]float64{row[0], row[1], row[2]}
		require.False(t, seen[key], "repeat %v", key)
		seen[key] = true
	}
	require.Equal(t, 0, NewMatrix(nil).Len())
	require.Equal(t, 0, NewMatrix([]ComboParameter{{Name: "x"}}).Len())
}

func TestSnapshotRestore(t *testing.T) {
	p, err := Parse([]byte(sweepJSON))
	require.NoError(t, err)
	snap, err := p.Snapshot(p.ComboPaths())
	require.NoError(t, err)
	m := p.FillMatrix()
	require.NoError(t, m.Apply(p, 2))
	require.Equal(t, 0.2, p.Steps[0].WaitTime)
	require.NoError(t, p.Restore(snap))
	require.Equal(t, 1.0, p.Steps[0].WaitTime)
	require.Equal(t, 0.1, p.Steps[1].EC.ScanRate)
}

func TestValidate(t *testing.T) {
	p, err := Parse([]byte(sweepJSON))
	require.NoError(t, err)
	require.NoError(t, p.Validate().Err())

	p.Combos = append(p.Combos, ComboParameter{Name: "bogus", Path: "steps[7].wait_time", Values: []float64{1}})
	p.Steps = append(p.Steps,
		Step{Type: "centrifuge", Enabled: true},
		Step{Type: Transfer, Enabled: true, Transfer: &TransferParams{PumpAddress: 0, RPM: 100, Duration: 1}},
		Step{Type: Echem, Enabled: true},
	)
	issues := p.Validate()
	require.True(t, issues.HasErrors())
	require.Len(t, issues, 4)
	require.ErrorIs(t, issues.Err(), echemlab.ErrValidation)

	empty := &Program{Steps: []Step{{Type: Blank, Enabled: false}}}
	issues = empty.Validate()
	require.True(t, issues.HasErrors())
	require.Len(t, issues.Warnings(), 1)
}

func TestBatches(t *testing.T) {
	p := PrepSolParams{
		Targets:        map[string]float64{"HCl": 0.1, "water": 0, "NaCl": 0.5},
		InjectionOrder: []string{"NaCl", "HCl", "water"},
		Groups:         map[string]int{"NaCl": 2},
	}
	require.Equal(t, [][]string{{"HCl", "water"}, {"NaCl"}}, p.Batches())
	p.InjectionOrder = nil
	p.Groups = nil
	require.Equal(t, [][]string{{"HCl", "NaCl", "water"}}, p.Batches())
}

func TestLoadSave(t *testing.T) {
	p, err := Parse([]byte(sweepJSON))
	require.NoError(t, err)
	dir := t.TempDir()
	for _, name := range []string{"sweep.json", "sweep.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, p.Save(path))
		got, err := Load(path)
		require.NoError(t, err, name)
		require.Equal(t, p, got, name)
	}
	yml := []byte("name: y\nsteps:\n  - step_type: blank\n    wait_time: 3\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "y.yml"), yml, 0o644))
	got, err := Load(filepath.Join(dir, "y.yml"))
	require.NoError(t, err)
	require.Equal(t, 3.0, got.Steps[0].WaitTime)
	require.True(t, got.Steps[0].Enabled)
}
