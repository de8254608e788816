package training

import (
	"fmt"
	"strconv"
	"strings"
)

// Provider identifies the fine-tuning toolchain a job script targets.
type Provider string

const (
	ProviderUnsloth   Provider = "unsloth"
	ProviderAxolotl   Provider = "axolotl"
	ProviderTorchtune Provider = "torchtune"
)

// Providers lists every provider the bridge can synthesize scripts for.
var Providers = []Provider{ProviderUnsloth, ProviderAxolotl, ProviderTorchtune}

// Known reports whether p is one of the enumerated providers.
func (p Provider) Known() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// Quantization selects how base model weights are loaded.
type Quantization string

const (
	Quantization4Bit Quantization = "4bit"
	Quantization8Bit Quantization = "8bit"
	QuantizationNone Quantization = "none"
)

// Known reports whether q is one of the enumerated quantization modes.
func (q Quantization) Known() bool {
	switch q {
	case Quantization4Bit, Quantization8Bit, QuantizationNone:
		return true
	}
	return false
}

// DefaultDataset is used when a config does not name a dataset file.
const DefaultDataset = "data.jsonl"

// Config is the validated description of one fine-tuning job. It is built
// once per session from client data and treated as immutable afterwards.
type Config struct {
	Provider             Provider     `json:"provider" yaml:"provider"`
	Model                string       `json:"model" yaml:"model"`
	Dataset              string       `json:"dataset,omitempty" yaml:"dataset,omitempty"`
	GPUID                string       `json:"gpuId,omitempty" yaml:"gpuId,omitempty"`
	Quantization         Quantization `json:"quantization" yaml:"quantization"`
	LoRARank             int          `json:"loraRank" yaml:"loraRank"`
	LoRAAlpha            int          `json:"loraAlpha" yaml:"loraAlpha"`
	LearningRate         float64      `json:"learningRate" yaml:"learningRate"`
	BatchSize            int          `json:"batchSize" yaml:"batchSize"`
	GradientAccumulation int          `json:"gradientAccumulation" yaml:"gradientAccumulation"`
	WarmupSteps          int          `json:"warmupSteps" yaml:"warmupSteps"`
	MaxSteps             int          `json:"maxSteps" yaml:"maxSteps"`
}

// Defaults returns the config used for every field a client leaves out.
func Defaults() Config {
	return Config{
		Provider:             ProviderUnsloth,
		Model:                "llama-3",
		Dataset:              DefaultDataset,
		Quantization:         Quantization4Bit,
		LoRARank:             16,
		LoRAAlpha:            32,
		LearningRate:         2e-4,
		BatchSize:            4,
		GradientAccumulation: 4,
		WarmupSteps:          10,
		MaxSteps:             100,
	}
}

// DatasetPath returns the dataset file, falling back to DefaultDataset.
func (c Config) DatasetPath() string {
	if strings.TrimSpace(c.Dataset) == "" {
		return DefaultDataset
	}
	return c.Dataset
}

// DeviceIndex extracts the numeric device index from ids such as "gpu-0".
// It returns false when no device was pinned.
func (c Config) DeviceIndex() (int, bool) {
	id := strings.TrimPrefix(strings.TrimSpace(c.GPUID), "gpu-")
	if id == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(id)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// FormatFloat renders a float the way job scripts embed it.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (c Config) String() string {
	return fmt.Sprintf("%s/%s (%s, r=%d, alpha=%d, lr=%s, steps=%d)",
		c.Provider, c.Model, c.Quantization, c.LoRARank, c.LoRAAlpha, FormatFloat(c.LearningRate), c.MaxSteps)
}
