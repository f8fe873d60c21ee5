package facedb

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"

	"github.com/denis-savelyev/FaceAttend/internal/face"

	"github.com/google/renameio"
)

// readRegistry loads the name → enrollment index mapping. A missing file is
// an empty registry, not an error.
func readRegistry(path string) (map[string]int, error) {
	registry := make(map[string]int)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return registry, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("corrupt registry: %w", err)
	}
	for name := range registry {
		if ValidateName(name) != nil {
			return nil, fmt.Errorf("corrupt registry: invalid name %q", name)
		}
	}
	return registry, nil
}

func writeRegistry(path string, registry map[string]int) error {
	data, err := json.MarshalIndent(registry, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0644)
}

// readTemplates loads the gob encoded name → template mapping.
func readTemplates(path string) (map[string]face.Template, error) {
	templates := make(map[string]face.Template)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return templates, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw map[string][]float32
	if err := gob.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("corrupt templates: %w", err)
	}
	for name, values := range raw {
		templates[name] = face.Template(values)
	}
	return templates, nil
}

// writeTemplates persists the whole mapping with write-temp-then-rename so a
// crash never leaves a half written file in place.
func writeTemplates(path string, templates map[string]face.Template) error {
	raw := make(map[string][]float32, len(templates))
	for name, tpl := range templates {
		raw[name] = tpl
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(raw); err != nil {
		return err
	}
	return renameio.WriteFile(path, buf.Bytes(), 0644)
}
