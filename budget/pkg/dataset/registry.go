package dataset

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed definitions.yaml
var definitionsYAML []byte

// Registry holds the validated, immutable dataset definitions.
type Registry struct {
	defs  []*Definition
	byKey map[string]*Definition
}

type registryFile struct {
	Datasets []*Definition `yaml:"datasets"`
}

// DefaultRegistry parses the definitions compiled into the binary.
func DefaultRegistry() (*Registry, error) {
	return ParseRegistry(definitionsYAML)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse dataset definitions: %w", err)
	}
	return NewRegistry(f.Datasets...)
}

func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{byKey: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("invalid dataset definition %q: %w", d.Key, err)
		}
		if _, ok := r.byKey[d.Key]; ok {
			return nil, fmt.Errorf("duplicate dataset definition %q", d.Key)
		}
		r.byKey[d.Key] = d
		r.defs = append(r.defs, d)
	}
	return r, nil
}

func (r *Registry) Get(key string) (*Definition, error) {
	d, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, key)
	}
	return d, nil
}

// All returns the definitions in declaration order.
func (r *Registry) All() []*Definition {
	return append([]*Definition(nil), r.defs...)
}
