package resource

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticMachine describes a pre-existing machine registered by the user.
type StaticMachine struct {
	Name    string            `yaml:"name"`
	Address string            `yaml:"address"`
	User    string            `yaml:"user,omitempty"`
	Attrs   map[string]string `yaml:"attrs,omitempty"`
}

type staticMachineFile struct {
	Machines []StaticMachine `yaml:"machines"`
}

// LoadStaticMachines reads a static machine file and returns VM handles
// flagged static. Static machines are never created or deleted by a run.
func LoadStaticMachines(path string) ([]*Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading static machine file: %w", err)
	}

	var f staticMachineFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing static machine file: %w", err)
	}

	handles := make([]*Handle, 0, len(f.Machines))

	for i, m := range f.Machines {
		if m.Name == "" {
			return nil, fmt.Errorf("static machine %d: name is required", i)
		}

		if m.Address == "" {
			return nil, fmt.Errorf("static machine %q: address is required", m.Name)
		}

		attrs := map[string]string{
			"address": m.Address,
		}

		if m.User != "" {
			attrs["user"] = m.User
		}

		for k, v := range m.Attrs {
			attrs[k] = v
		}

		handles = append(handles, &Handle{
			Kind:   KindVM,
			Name:   m.Name,
			ID:     m.Name,
			Static: true,
			Attrs:  attrs,
		})
	}

	return handles, nil
}
