package engine

import (
	"encoding/csv"
	"fmt"
	"github.com/jt05610/echemlab/echem"
	"os"
	"path/filepath"
	"strconv"
)

// writeData stores a measurement as dir/<run>/stepNN_comboMM.csv.
func writeData(dir, runID string, step, combo int, res echem.Result) (string, error) {
	runDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(runDir, fmt.Sprintf("step%02d_combo%02d.csv", step, combo))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	xName := "potential_v"
	if res.Technique.Timed() {
		xName = "time_s"
	}
	if err := w.Write([]string{xName, "current_ua"}); err != nil {
		return "", err
	}
	for _, p := range res.Points {
		rec := []string{
			strconv.FormatFloat(p.X, 'g', -1, 64),
			strconv.FormatFloat(p.Y, 'g', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return path, f.Close()
}
