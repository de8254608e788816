package scriptgen_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/forge/bridge/pkg/scriptgen"
	"github.com/vyvo/forge/bridge/pkg/training"
)

func sampleConfigs() []training.Config {
	var out []training.Config
	for _, p := range training.Providers {
		cfg := training.Defaults()
		cfg.Provider = p
		out = append(out, cfg)

		custom := cfg
		custom.Model = "mistral-7b-instruct"
		custom.Dataset = "datasets/chat_v2.jsonl"
		custom.GPUID = "gpu-1"
		custom.Quantization = training.Quantization8Bit
		custom.LoRARank = 48
		custom.LoRAAlpha = 96
		custom.LearningRate = 3.5e-5
		custom.BatchSize = 7
		custom.GradientAccumulation = 9
		custom.WarmupSteps = 13
		custom.MaxSteps = 321
		out = append(out, custom)
	}
	return out
}

func TestSynthesizeDeterministic(t *testing.T) {
	for _, cfg := range sampleConfigs() {
		a, err := scriptgen.Synthesize(cfg)
		require.NoError(t, err)
		b, err := scriptgen.Synthesize(cfg)
		require.NoError(t, err)
		require.Equal(t, a.Text, b.Text, cfg.Provider)
	}
}

func TestSynthesizeEmbedsEveryField(t *testing.T) {
	for _, cfg := range sampleConfigs() {
		t.Run(cfg.String(), func(t *testing.T) {
			s, err := scriptgen.Synthesize(cfg)
			require.NoError(t, err)

			want := []string{
				string(cfg.Provider),
				cfg.Model,
				cfg.DatasetPath(),
				string(cfg.Quantization),
				strconv.Itoa(cfg.LoRARank),
				strconv.Itoa(cfg.LoRAAlpha),
				training.FormatFloat(cfg.LearningRate),
				strconv.Itoa(cfg.BatchSize),
				strconv.Itoa(cfg.GradientAccumulation),
				strconv.Itoa(cfg.WarmupSteps),
				strconv.Itoa(cfg.MaxSteps),
			}
			if cfg.GPUID != "" {
				want = append(want, cfg.GPUID)
			}
			for _, w := range want {
				require.Contains(t, s.Text, w)
			}
		})
	}
}

func TestSynthesizeMarkers(t *testing.T) {
	for _, p := range training.Providers {
		cfg := training.Defaults()
		cfg.Provider = p
		s, err := scriptgen.Synthesize(cfg)
		require.NoError(t, err)
		require.Equal(t, p, s.Provider)
		require.Equal(t, "python", s.Language)
		require.Equal(t, "train_"+string(p)+".py", s.Filename)
		require.True(t, strings.HasPrefix(s.Text, "#!/usr/bin/env python3\n"))

		var marked []string
		for _, line := range strings.Split(s.Text, "\n") {
			if strings.Contains(line, `print("`+scriptgen.Marker) {
				marked = append(marked, line)
			}
		}
		require.GreaterOrEqual(t, len(marked), 2)
		require.Contains(t, marked[len(marked)-1], "complete")
	}
}

func TestSynthesizeQuantizationFlags(t *testing.T) {
	cfg := training.Defaults()
	s, err := scriptgen.Synthesize(cfg)
	require.NoError(t, err)
	require.Contains(t, s.Text, "load_in_4bit=True")
	require.Contains(t, s.Text, "load_in_8bit=False")

	cfg.Quantization = training.QuantizationNone
	s, err = scriptgen.Synthesize(cfg)
	require.NoError(t, err)
	require.Contains(t, s.Text, "load_in_4bit=False")
}

func TestSynthesizeAxolotlYAML(t *testing.T) {
	cfg := training.Defaults()
	cfg.Provider = training.ProviderAxolotl
	s, err := scriptgen.Synthesize(cfg)
	require.NoError(t, err)
	require.Contains(t, s.Text, "base_model: llama-3\n")
	require.Contains(t, s.Text, "adapter: qlora\n")
	require.Contains(t, s.Text, "max_steps: 100\n")
	require.Contains(t, s.Text, "- path: data.jsonl\n")
	require.NotContains(t, s.Text, "{{")
}

func TestSynthesizeUnknownProvider(t *testing.T) {
	cfg := training.Defaults()
	cfg.Provider = "unknown-provider"
	_, err := scriptgen.Synthesize(cfg)
	require.ErrorIs(t, err, scriptgen.ErrUnknownProvider)
}
