package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vyvo/forge/bridge/pkg/localfs"
	"github.com/vyvo/forge/bridge/pkg/training"
)

// addJobFlags registers the flags shared by render and train.
func addJobFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("file", "f", "", "training config file (YAML or JSON)")
	f.String("provider", "", "unsloth, axolotl or torchtune")
	f.String("model", "", "base model")
	f.String("dataset", "", "dataset file")
	f.String("quantization", "", "4bit, 8bit or none")
	f.String("gpu", "", "device id such as gpu-0")
	f.Int("lora-rank", 0, "LoRA rank")
	f.Int("lora-alpha", 0, "LoRA alpha")
	f.Float64("learning-rate", 0, "learning rate")
	f.Int("max-steps", 0, "training steps")
}

var jobFlagKeys = map[string]string{
	"provider":      "provider",
	"model":         "model",
	"dataset":       "dataset",
	"quantization":  "quantization",
	"gpu":           "gpuId",
	"lora-rank":     "loraRank",
	"lora-alpha":    "loraAlpha",
	"learning-rate": "learningRate",
	"max-steps":     "maxSteps",
}

// jobConfig merges the config file with explicitly set flags and runs the
// result through the same validation as a websocket client's config.
func jobConfig(cmd *cobra.Command) (training.Config, error) {
	fields := map[string]any{}
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return training.Config{}, fmt.Errorf("read config file: %w", err)
		}
		// YAML is a superset of JSON
		if err := yaml.Unmarshal(data, &fields); err != nil {
			return training.Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	for flag, key := range jobFlagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "int":
			n, _ := cmd.Flags().GetInt(flag)
			fields[key] = n
		case "float64":
			x, _ := cmd.Flags().GetFloat64(flag)
			fields[key] = x
		default:
			fields[key] = f.Value.String()
		}
	}

	if name, ok := fields["dataset"].(string); ok {
		fields["dataset"] = resolveDataset(name)
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return training.Config{}, fmt.Errorf("encode config: %w", err)
	}
	return training.Decode(raw)
}

// resolveDataset maps a bare dataset name found in the local datasets
// directory to its path. Anything else is passed through unchanged.
func resolveDataset(name string) string {
	if cfg.Local.DatasetsDir == "" || name == "" || strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	path, err := localfs.New(cfg.Local.ModelsDir, cfg.Local.DatasetsDir).DatasetPath(name)
	if err != nil {
		return name
	}
	return path
}
