package training

// Range is an inclusive [min, max] bound suggested to clients.
type Range[T int | float64] struct {
	Min T `json:"min"`
	Max T `json:"max"`
}

// Clamp limits v to the range.
func (r Range[T]) Clamp(v T) T {
	return min(max(v, r.Min), r.Max)
}

// Capabilities describes what a provider supports and which values the
// front-end should offer for it.
type Capabilities struct {
	ID                  Provider       `json:"id"`
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	Tagline             string         `json:"tagline"`
	LoRARankRange       Range[int]     `json:"loraRankRange"`
	LoRARankDefault     int            `json:"loraRankDefault"`
	AlphaRange          Range[int]     `json:"alphaRange"`
	AlphaDefault        int            `json:"alphaDefault"`
	LearningRateRange   Range[float64] `json:"learningRateRange"`
	LearningRateDefault float64        `json:"learningRateDefault"`
	QuantizationOptions []Quantization `json:"quantizationOptions"`
	DefaultQuantization Quantization   `json:"defaultQuantization"`
	SupportsMultiGPU    bool           `json:"supportsMultiGPU"`
	ConfigFormat        string         `json:"configFormat"`
}

// SupportsQuantization reports whether q is offered for the provider.
func (c Capabilities) SupportsQuantization(q Quantization) bool {
	for _, opt := range c.QuantizationOptions {
		if opt == q {
			return true
		}
	}
	return false
}

var catalog = map[Provider]Capabilities{
	ProviderUnsloth: {
		ID:                  ProviderUnsloth,
		Name:                "Unsloth",
		Description:         "Optimized for speed and VRAM efficiency on single GPUs. Up to 2x faster training.",
		Tagline:             "Speed Optimized",
		LoRARankRange:       Range[int]{4, 128},
		LoRARankDefault:     16,
		AlphaRange:          Range[int]{8, 256},
		AlphaDefault:        32,
		LearningRateRange:   Range[float64]{1e-6, 1e-3},
		LearningRateDefault: 2e-4,
		QuantizationOptions: []Quantization{Quantization4Bit, Quantization8Bit, QuantizationNone},
		DefaultQuantization: Quantization4Bit,
		ConfigFormat:        "python",
	},
	ProviderAxolotl: {
		ID:                  ProviderAxolotl,
		Name:                "Axolotl",
		Description:         "YAML-based configuration for complex multi-GPU setups and advanced training scenarios.",
		Tagline:             "Multi-GPU Ready",
		LoRARankRange:       Range[int]{4, 256},
		LoRARankDefault:     32,
		AlphaRange:          Range[int]{16, 512},
		AlphaDefault:        64,
		LearningRateRange:   Range[float64]{1e-6, 5e-4},
		LearningRateDefault: 1e-4,
		QuantizationOptions: []Quantization{Quantization4Bit, Quantization8Bit, QuantizationNone},
		DefaultQuantization: Quantization4Bit,
		SupportsMultiGPU:    true,
		ConfigFormat:        "yaml",
	},
	ProviderTorchtune: {
		ID:                  ProviderTorchtune,
		Name:                "Torchtune",
		Description:         "Native PyTorch-centric workflows with full control over training loop.",
		Tagline:             "PyTorch Native",
		LoRARankRange:       Range[int]{4, 64},
		LoRARankDefault:     8,
		AlphaRange:          Range[int]{8, 128},
		AlphaDefault:        16,
		LearningRateRange:   Range[float64]{1e-6, 2e-4},
		LearningRateDefault: 5e-5,
		QuantizationOptions: []Quantization{QuantizationNone, Quantization4Bit},
		DefaultQuantization: QuantizationNone,
		SupportsMultiGPU:    true,
		ConfigFormat:        "python",
	},
}

// Lookup returns the capabilities of a provider.
func Lookup(p Provider) (Capabilities, bool) {
	c, ok := catalog[p]
	return c, ok
}

// Catalog returns the capabilities of every provider in Providers order.
func Catalog() []Capabilities {
	out := make([]Capabilities, 0, len(Providers))
	for _, p := range Providers {
		out = append(out, catalog[p])
	}
	return out
}
