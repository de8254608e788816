package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrConfigInvalid is matched by every validation failure.
var ErrConfigInvalid = errors.New("invalid training config")

// ConfigError names the field that failed validation.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s: %s", ErrConfigInvalid, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s (got %v)", ErrConfigInvalid, e.Field, e.Reason, e.Value)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// Decode parses a client payload on top of Defaults and validates the
// result. Unknown fields are ignored; missing or null fields keep their
// default.
func Decode(raw []byte) (Config, error) {
	cfg := Defaults()
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Config{}, &ConfigError{Field: "payload", Reason: "empty configuration payload"}
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return Config{}, &ConfigError{Field: typeErr.Field, Reason: "expected " + typeErr.Type.String()}
		}
		return Config{}, &ConfigError{Field: "payload", Reason: err.Error()}
	}
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) normalize() Config {
	c.Provider = Provider(strings.TrimSpace(string(c.Provider)))
	c.Quantization = Quantization(strings.TrimSpace(string(c.Quantization)))
	c.Model = strings.TrimSpace(c.Model)
	if c.Model == "" {
		c.Model = Defaults().Model
	}
	c.Dataset = c.DatasetPath()
	return c
}

// Validate checks enum membership and positivity of every numeric field.
func (c Config) Validate() error {
	if !c.Provider.Known() {
		return &ConfigError{Field: "provider", Value: string(c.Provider), Reason: "unknown provider"}
	}
	if !c.Quantization.Known() {
		return &ConfigError{Field: "quantization", Value: string(c.Quantization), Reason: "unknown quantization mode"}
	}
	ints := []struct {
		field string
		value int
	}{
		{"loraRank", c.LoRARank},
		{"loraAlpha", c.LoRAAlpha},
		{"batchSize", c.BatchSize},
		{"gradientAccumulation", c.GradientAccumulation},
		{"warmupSteps", c.WarmupSteps},
		{"maxSteps", c.MaxSteps},
	}
	for _, f := range ints {
		if f.value <= 0 {
			return &ConfigError{Field: f.field, Value: f.value, Reason: "must be positive"}
		}
	}
	if !(c.LearningRate > 0) {
		return &ConfigError{Field: "learningRate", Value: c.LearningRate, Reason: "must be positive"}
	}
	if c.GPUID != "" {
		if _, ok := c.DeviceIndex(); !ok {
			return &ConfigError{Field: "gpuId", Value: c.GPUID, Reason: "expected gpu-<index>"}
		}
	}
	return nil
}
