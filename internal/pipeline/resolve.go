package pipeline

import (
	"strings"

	"scribe/internal/backend"
)

// Defaults are the process-wide settings a request may override.
type Defaults struct {
	Backend  string
	Model    string
	Device   string
	Compute  string
	Language string

	BeamSize           int
	VADFilter          bool
	WordTimestamps     bool
	Temperature        float64
	MaxDurationSeconds int
}

func (d Defaults) Key() backend.Key {
	return backend.Key{
		Backend: strings.ToLower(strings.TrimSpace(d.Backend)),
		Model:   d.Model,
		Device:  d.Device,
		Compute: d.Compute,
	}
}

// Resolve computes the effective model key for a request. Overrides win per
// field. Switching to a different backend without naming a model, device or
// compute type takes those from the new backend's defaults rather than
// carrying over values meant for the default backend.
func (d Defaults) Resolve(in Input) backend.Key {
	base := d.Key()
	key := base

	override := strings.ToLower(strings.TrimSpace(in.Backend))
	model := strings.TrimSpace(in.Model)
	device := strings.TrimSpace(in.Device)
	compute := strings.TrimSpace(in.Compute)

	if override != "" {
		key.Backend = override
		if override != base.Backend {
			if def, ok := backend.DefaultsFor(override); ok {
				key.Model, key.Device, key.Compute = def.Model, def.Device, def.Compute
			}
		}
	}
	if model != "" {
		key.Model = model
	}
	if device != "" {
		key.Device = device
	}
	if compute != "" {
		key.Compute = compute
	}
	return key
}
