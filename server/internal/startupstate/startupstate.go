// Package startupstate loads the immutable startup-state YAML artifact the
// server is launched with (spec §6), rejecting unknown keys so a typo in a
// hand-edited manifest fails loudly at startup instead of silently being
// ignored.
package startupstate

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ankaios-go/ankaios/shared/model"
)

// Load reads and validates the startup state at path. The returned State
// has already passed Validate — a malformed manifest (dangling
// dependencies, a dependency cycle, a cronjob naming an unknown workload or
// carrying an unparsable schedule) is reported here rather than discovered
// later at serve time.
func Load(path string) (model.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.State{}, fmt.Errorf("startupstate: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data as a startup-state YAML document and validates it.
func Parse(data []byte) (model.State, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	state := model.NewState()
	if err := dec.Decode(&state); err != nil {
		return model.State{}, fmt.Errorf("startupstate: decode: %w", err)
	}
	if state.Workloads == nil {
		state.Workloads = make(map[string]model.Workload)
	}
	if state.Configs == nil {
		state.Configs = make(map[string]string)
	}
	if state.Cronjobs == nil {
		state.Cronjobs = make(map[string]model.Cronjob)
	}

	if err := state.Validate(); err != nil {
		return model.State{}, fmt.Errorf("startupstate: invalid startup state: %w", err)
	}
	return state, nil
}
