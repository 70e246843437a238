// Package echem drives the electrochemistry workstation through a small
// blocking instrument interface.
package echem

import (
	"fmt"
	"github.com/jt05610/echemlab"
	"strings"
)

// Technique codes follow the CHI SDK numbering.
type Technique int

const (
	CV   Technique = 0
	LSV  Technique = 1
	CA   Technique = 2
	CP   Technique = 4
	DPV  Technique = 5
	SWV  Technique = 7
	IT   Technique = 11
	OCPT Technique = 12
)

var techniqueNames = map[Technique]string{
	CV:   "CV",
	LSV:  "LSV",
	CA:   "CA",
	CP:   "CP",
	DPV:  "DPV",
	SWV:  "SWV",
	IT:   "i-t",
	OCPT: "OCPT",
}

var techniqueAliases = map[string]Technique{
	"CV":   CV,
	"LSV":  LSV,
	"CA":   CA,
	"CP":   CP,
	"DPV":  DPV,
	"SWV":  SWV,
	"I-T":  IT,
	"IT":   IT,
	"OCPT": OCPT,
	"OCP":  OCPT,
}

func (t Technique) String() string {
	if n, ok := techniqueNames[t]; ok {
		return n
	}
	return fmt.Sprintf("technique(%d)", int(t))
}

func ParseTechnique(s string) (Technique, error) {
	if t, ok := techniqueAliases[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("%w: unknown technique %q", echemlab.ErrValidation, s)
}

// Sweeps reports whether the technique scans potential at a scan rate.
func (t Technique) Sweeps() bool {
	return t == CV || t == LSV
}

// Timed reports whether the technique runs for a fixed run time.
func (t Technique) Timed() bool {
	switch t {
	case IT, CA, CP, OCPT:
		return true
	}
	return false
}
