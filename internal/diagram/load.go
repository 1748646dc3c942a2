package diagram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a diagram document from disk, dispatching on extension
// (.json is JSON, everything else is YAML). Decoding is strict: unknown
// fields and multiple top-level documents are rejected so authoring typos
// fail loudly instead of silently dropping configuration.
func LoadFile(path string) (*Diagram, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		return LoadJSON(b)
	}
	return LoadYAML(b)
}

func LoadYAML(b []byte) (*Diagram, error) {
	var d Diagram
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("diagram yaml: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("diagram yaml: multiple documents are not allowed")
		}
		return nil, fmt.Errorf("diagram yaml: %w", err)
	}
	applyLoadDefaults(&d)
	return &d, nil
}

func LoadJSON(b []byte) (*Diagram, error) {
	var d Diagram
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("diagram json: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("diagram json: multiple top-level values are not allowed")
		}
		return nil, fmt.Errorf("diagram json: %w", err)
	}
	applyLoadDefaults(&d)
	return &d, nil
}

func applyLoadDefaults(d *Diagram) {
	if strings.TrimSpace(d.ID) == "" {
		d.ID = uuid.NewString()
	}
	if strings.TrimSpace(d.Version) == "" {
		d.Version = "light"
	}
}
