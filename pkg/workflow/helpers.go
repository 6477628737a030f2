package workflow

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

// ReadDefinition decodes a graph definition from YAML or JSON.
func ReadDefinition(r io.Reader) (types.TaskGraphDefinition, error) {
	var def types.TaskGraphDefinition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return types.TaskGraphDefinition{}, fmt.Errorf("cannot decode graph definition: %w", err)
	}
	return def, nil
}

// LoadDefinition reads a graph definition file.
func LoadDefinition(path string) (types.TaskGraphDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.TaskGraphDefinition{}, fmt.Errorf("cannot open graph definition: %w", err)
	}
	defer f.Close()
	return ReadDefinition(f)
}
