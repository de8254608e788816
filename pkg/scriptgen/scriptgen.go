// Package scriptgen renders the job script that runs one fine-tuning job.
// Rendering is a pure function of the training config.
package scriptgen

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/vyvo/forge/bridge/pkg/training"
)

// Marker prefixes every narration line a job script prints.
const Marker = "[FORGE]"

// ErrUnknownProvider is returned for providers without a template.
var ErrUnknownProvider = errors.New("unknown provider")

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").ParseFS(templateFS, "templates/*.tmpl"))

// Script is a rendered job script.
type Script struct {
	Provider training.Provider `json:"provider"`
	Filename string            `json:"filename"`
	Language string            `json:"language"`
	Text     string            `json:"text"`
}

type view struct {
	training.Config
	Marker      string
	DatasetPath string
	LR          string
	LoadIn4Bit  string
	LoadIn8Bit  string
	AxolotlYAML string
}

// Synthesize renders the script for cfg.Provider. Two calls with the same
// config return byte-identical text.
func Synthesize(cfg training.Config) (Script, error) {
	if !cfg.Provider.Known() {
		return Script{}, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}

	v := view{
		Config:      cfg,
		Marker:      Marker,
		DatasetPath: cfg.DatasetPath(),
		LR:          training.FormatFloat(cfg.LearningRate),
		LoadIn4Bit:  pyBool(cfg.Quantization == training.Quantization4Bit),
		LoadIn8Bit:  pyBool(cfg.Quantization == training.Quantization8Bit),
	}
	if cfg.Provider == training.ProviderAxolotl {
		doc, err := axolotlYAML(cfg)
		if err != nil {
			return Script{}, err
		}
		v.AxolotlYAML = doc
	}

	var buf bytes.Buffer
	name := string(cfg.Provider) + ".py.tmpl"
	if err := templates.ExecuteTemplate(&buf, name, v); err != nil {
		return Script{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Script{
		Provider: cfg.Provider,
		Filename: "train_" + string(cfg.Provider) + ".py",
		Language: "python",
		Text:     buf.String(),
	}, nil
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

type axolotlDataset struct {
	Path string `yaml:"path"`
	Type string `yaml:"type"`
}

type axolotlConfig struct {
	BaseModel                 string           `yaml:"base_model"`
	LoadIn8Bit                bool             `yaml:"load_in_8bit"`
	LoadIn4Bit                bool             `yaml:"load_in_4bit"`
	Quantization              string           `yaml:"forge_quantization"`
	Adapter                   string           `yaml:"adapter"`
	LoRAR                     int              `yaml:"lora_r"`
	LoRAAlpha                 int              `yaml:"lora_alpha"`
	LoRADropout               float64          `yaml:"lora_dropout"`
	LoRATargetModules         []string         `yaml:"lora_target_modules"`
	Datasets                  []axolotlDataset `yaml:"datasets"`
	SequenceLen               int              `yaml:"sequence_len"`
	MicroBatchSize            int              `yaml:"micro_batch_size"`
	GradientAccumulationSteps int              `yaml:"gradient_accumulation_steps"`
	NumEpochs                 int              `yaml:"num_epochs"`
	WarmupSteps               int              `yaml:"warmup_steps"`
	MaxSteps                  int              `yaml:"max_steps"`
	LearningRate              float64          `yaml:"learning_rate"`
	Optimizer                 string           `yaml:"optimizer"`
	LRScheduler               string           `yaml:"lr_scheduler"`
	OutputDir                 string           `yaml:"output_dir"`
	LoggingSteps              int              `yaml:"logging_steps"`
	SaveSteps                 int              `yaml:"save_steps"`
}

func axolotlYAML(cfg training.Config) (string, error) {
	doc := axolotlConfig{
		BaseModel:                 cfg.Model,
		LoadIn8Bit:                cfg.Quantization == training.Quantization8Bit,
		LoadIn4Bit:                cfg.Quantization == training.Quantization4Bit,
		Quantization:              string(cfg.Quantization),
		Adapter:                   "lora",
		LoRAR:                     cfg.LoRARank,
		LoRAAlpha:                 cfg.LoRAAlpha,
		LoRADropout:               0.05,
		LoRATargetModules:         []string{"q_proj", "v_proj", "k_proj", "o_proj"},
		Datasets:                  []axolotlDataset{{Path: cfg.DatasetPath(), Type: "alpaca"}},
		SequenceLen:               2048,
		MicroBatchSize:            cfg.BatchSize,
		GradientAccumulationSteps: cfg.GradientAccumulation,
		NumEpochs:                 1,
		WarmupSteps:               cfg.WarmupSteps,
		MaxSteps:                  cfg.MaxSteps,
		LearningRate:              cfg.LearningRate,
		Optimizer:                 "adamw_bnb_8bit",
		LRScheduler:               "cosine",
		OutputDir:                 "./forge-output",
		LoggingSteps:              1,
		SaveSteps:                 100,
	}
	if cfg.Quantization == training.Quantization4Bit {
		doc.Adapter = "qlora"
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode axolotl config: %w", err)
	}
	return string(out), nil
}
