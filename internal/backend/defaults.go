package backend

// Defaults is the model, device and compute type an engine uses when a
// request switches to it without naming them.
type Defaults struct {
	Model   string
	Device  string
	Compute string
}

var defaults = map[string]Defaults{
	FasterWhisper: {Model: "large-v3", Device: "cpu", Compute: "int8"},
	MLXWhisper:    {Model: "mlx-community/whisper-large-v3-turbo", Device: "mlx", Compute: "mlx"},
	ParakeetMLX:   {Model: "mlx-community/parakeet-tdt-0.6b-v3", Device: "mlx", Compute: "mlx"},
	WhisperCpp:    {Model: "ggml-base.en.bin", Device: "cpu", Compute: "f32"},
	OpenAI:        {Model: "whisper-1", Device: "remote", Compute: "remote"},
}

// DefaultsFor returns the defaults for name and whether name is known.
func DefaultsFor(name string) (Defaults, bool) {
	d, ok := defaults[name]
	return d, ok
}
