package model

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalidManifest wraps schema violations found by LoadManifest.
var ErrInvalidManifest = errors.New("model: invalid manifest")

//go:embed manifest.schema.json
var manifestSchemaJSON string

var manifestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("manifest.schema.json", manifestSchemaJSON)
})

// Manifest is the on-disk description of a model layout.
//
//	name: tiny
//	seed: 7
//	layers:
//	  - {name: embed.weight, shape: [2048, 256], init: normal, scale: 0.02}
//	  - {name: head.weight, shape: [256, 2048], file: head.f32.zst}
type Manifest struct {
	Name   string      `yaml:"name"`
	Seed   uint64      `yaml:"seed"`
	Layers []LayerSpec `yaml:"layers"`
}

// LoadManifest parses a manifest file and checks it against the manifest
// schema.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	name := filepath.Base(path)
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%s: %w", name, err)
	}
	if err := ValidateManifest(raw); err != nil {
		return m, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

// ValidateManifest checks a YAML (or JSON) manifest document against the
// manifest schema.
func ValidateManifest(raw []byte) error {
	schema, err := manifestSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	// the validator expects JSON-shaped values
	js, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	var v interface{}
	if err := json.Unmarshal(js, &v); err != nil {
		return err
	}

	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return nil
}

// ManifestSource loads layers described by a YAML manifest. Layers with a
// file reference are read from disk, the rest are generated.
type ManifestSource struct {
	Path string
}

// Name implements Source.
func (s ManifestSource) Name() string {
	return "manifest:" + filepath.Base(s.Path)
}

// Load implements Source.
func (s ManifestSource) Load(ctx context.Context) ([]Tensor, error) {
	m, err := LoadManifest(s.Path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(s.Path)

	out := make([]Tensor, 0, len(m.Layers))
	for i, spec := range m.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if spec.File == "" {
			t, err := generate(spec, m.Seed+uint64(i)*0x9E3779B97F4A7C15)
			if err != nil {
				return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
			}
			out = append(out, t)
			continue
		}

		path := spec.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		t, err := ReadRawFile(path, spec.Shape)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
		}
		t.Name = spec.Name
		out = append(out, t)
	}
	return out, nil
}
