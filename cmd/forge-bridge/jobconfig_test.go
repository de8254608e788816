package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/forge/bridge/pkg/training"
)

func TestJobConfigFileAndFlags(t *testing.T) {
	file := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(file, []byte("provider: axolotl\nmodel: mistral-7b\nmaxSteps: 50\n"), 0o600))

	cmd := &cobra.Command{Use: "render"}
	addJobFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"-f", file, "--max-steps", "10", "--gpu", "gpu-1", "--learning-rate", "0.0001"}))

	jc, err := jobConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, training.ProviderAxolotl, jc.Provider)
	require.Equal(t, "mistral-7b", jc.Model)
	require.Equal(t, 10, jc.MaxSteps)
	require.Equal(t, "gpu-1", jc.GPUID)
	require.Equal(t, 1e-4, jc.LearningRate)
	require.Equal(t, training.Defaults().LoRARank, jc.LoRARank)
}

func TestJobConfigRejectsInvalid(t *testing.T) {
	cmd := &cobra.Command{Use: "render"}
	addJobFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--provider", "unknown-provider"}))

	_, err := jobConfig(cmd)
	require.ErrorIs(t, err, training.ErrConfigInvalid)
}

func TestJobConfigResolvesLocalDataset(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat.jsonl"), []byte("{}\n"), 0o600))
	saved := cfg
	t.Cleanup(func() { cfg = saved })
	cfg.Local.DatasetsDir = dir

	cmd := &cobra.Command{Use: "render"}
	addJobFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--dataset", "chat.jsonl"}))
	jc, err := jobConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "chat.jsonl"), jc.Dataset)

	require.Equal(t, "other.jsonl", resolveDataset("other.jsonl"))
}
