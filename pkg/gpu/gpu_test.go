package gpu_test

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/forge/bridge/pkg/gpu"
	"github.com/vyvo/forge/bridge/pkg/training"
)

const smiOutput = `NVIDIA GeForce RTX 4090, 24564, 1203, 23361, 3, 41, 27.52
NVIDIA GeForce RTX 3060, 12288, 12000, 288, 100, 80, [N/A]
`

func TestParse(t *testing.T) {
	gpus, err := gpu.Parse([]byte(smiOutput))
	require.NoError(t, err)
	require.Len(t, gpus, 2)
	require.Equal(t, gpu.GPU{
		ID: "gpu-0", Name: "NVIDIA GeForce RTX 4090",
		MemoryTotal: 24564, MemoryUsed: 1203, MemoryFree: 23361,
		Utilization: 3, Temperature: 41, Power: 27.52,
	}, gpus[0])
	require.Equal(t, "gpu-1", gpus[1].ID)
	require.Zero(t, gpus[1].Power)

	gpus, err = gpu.Parse([]byte("short, row\n"))
	require.NoError(t, err)
	require.Empty(t, gpus)

	_, err = gpu.Parse([]byte("A, x, 1, 1, 1, 1, 1\n"))
	require.Error(t, err)
}

func TestInventory(t *testing.T) {
	q := &gpu.Querier{Run: func(context.Context, string, ...string) ([]byte, error) {
		return []byte(smiOutput), nil
	}}
	inv := q.Inventory(context.Background())
	require.Empty(t, inv.Error)
	require.Len(t, inv.GPUs, 2)

	q.Run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, &exec.Error{Name: "nvidia-smi", Err: exec.ErrNotFound}
	}
	inv = q.Inventory(context.Background())
	require.Equal(t, "nvidia-smi not found", inv.Error)
	require.NotNil(t, inv.GPUs)
	require.Empty(t, inv.GPUs)

	q.Run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("exit status 9")
	}
	inv = q.Inventory(context.Background())
	require.Equal(t, "nvidia-smi failed", inv.Error)
}

func TestEstimateVRAM(t *testing.T) {
	require.Equal(t, "8b", gpu.ModelSize("Meta-Llama-3-8B"))
	require.Equal(t, "default", gpu.ModelSize("llama-3"))
	require.Equal(t, 5500, gpu.EstimateVRAM("mistral-7b", training.Quantization4Bit))
	require.Equal(t, 140000, gpu.EstimateVRAM("llama-70b", training.QuantizationNone))
	require.Equal(t, 10000, gpu.EstimateVRAM("phi-2", training.Quantization8Bit))
	require.Equal(t, 6000, gpu.EstimateVRAM("qwen-32b", "16bit"))
}

func TestCheckVRAM(t *testing.T) {
	dev := []gpu.GPU{{Name: "RTX", MemoryTotal: 24576, MemoryFree: 10000}}

	c := gpu.CheckVRAM("mistral-7b", training.Quantization4Bit, dev)
	require.True(t, c.CanFit)
	require.Equal(t, gpu.FitSafe, c.Status)
	require.Equal(t, 4500, c.Headroom)
	require.Equal(t, "4.4", c.HeadroomGB)

	c = gpu.CheckVRAM("mistral-7b", training.Quantization8Bit, dev)
	require.True(t, c.CanFit)
	require.Equal(t, gpu.FitTight, c.Status)

	c = gpu.CheckVRAM("mistral-7b", training.QuantizationNone, dev)
	require.False(t, c.CanFit)
	require.Equal(t, gpu.FitOverflow, c.Status)
	require.Contains(t, c.Reason, "Consider using 4-bit quantization")

	c = gpu.CheckVRAM("mistral-7b", training.Quantization4Bit, nil)
	require.False(t, c.CanFit)
	require.Equal(t, "CPU Only", c.GPUName)
	require.Equal(t, "No NVIDIA GPU detected", c.Reason)
}
