package program

import (
	"bytes"
	"encoding/json"
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Parse decodes a JSON program.
func Parse(data []byte) (*Program, error) {
	p := new(Program)
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	return p, nil
}

// ParseYAML decodes a YAML program. The document is converted to JSON
// first so both formats share one schema.
func ParseYAML(data []byte) (*Program, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	return Parse(b)
}

func Load(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isYAML(path) {
		return ParseYAML(data)
	}
	return Parse(data)
}

// Save writes p to path, as YAML for .yaml/.yml names and indented JSON
// otherwise, and stamps ModifiedAt.
func (p *Program) Save(path string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if p.CreatedAt == "" {
		p.CreatedAt = now
	}
	p.ModifiedAt = now
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if isYAML(path) {
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
