package gpu

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vyvo/forge/bridge/pkg/training"
)

// Estimated MiB needed per model size and quantization.
var vramEstimates = map[string]map[training.Quantization]int{
	"7b":      {training.Quantization4Bit: 5500, training.Quantization8Bit: 9500, training.QuantizationNone: 16000},
	"8b":      {training.Quantization4Bit: 6000, training.Quantization8Bit: 10500, training.QuantizationNone: 18000},
	"13b":     {training.Quantization4Bit: 9000, training.Quantization8Bit: 16000, training.QuantizationNone: 28000},
	"70b":     {training.Quantization4Bit: 42000, training.Quantization8Bit: 80000, training.QuantizationNone: 140000},
	"default": {training.Quantization4Bit: 6000, training.Quantization8Bit: 10000, training.QuantizationNone: 16000},
}

var sizePattern = regexp.MustCompile(`(\d+)b`)

// SafeHeadroom is the free memory above the estimate considered safe.
const SafeHeadroom = 2000

// Fit classifies how a job fits in free device memory.
type Fit string

const (
	FitSafe     Fit = "safe"
	FitTight    Fit = "tight"
	FitOverflow Fit = "overflow"
)

// ModelSize extracts a size class such as "7b" from a model name.
func ModelSize(model string) string {
	if m := sizePattern.FindStringSubmatch(strings.ToLower(model)); m != nil {
		return m[1] + "b"
	}
	return "default"
}

// EstimateVRAM returns the MiB a model is expected to need.
func EstimateVRAM(model string, q training.Quantization) int {
	est, ok := vramEstimates[ModelSize(model)]
	if !ok {
		est = vramEstimates["default"]
	}
	if v, ok := est[q]; ok {
		return v
	}
	return est[training.Quantization4Bit]
}

// VRAMCheck is the result of comparing an estimate with the first GPU.
type VRAMCheck struct {
	CanFit          bool                  `json:"canFit"`
	Status          Fit                   `json:"status,omitempty"`
	Reason          string                `json:"reason"`
	EstimatedVRAM   int                   `json:"estimatedVram"`
	EstimatedVRAMGB string                `json:"estimatedVramGB,omitempty"`
	AvailableVRAM   int                   `json:"availableVram"`
	AvailableVRAMGB string                `json:"availableVramGB,omitempty"`
	TotalVRAM       int                   `json:"totalVram"`
	TotalVRAMGB     string                `json:"totalVramGB,omitempty"`
	Headroom        int                   `json:"headroom"`
	HeadroomGB      string                `json:"headroomGB,omitempty"`
	GPUName         string                `json:"gpuName"`
	Model           string                `json:"model,omitempty"`
	Quantization    training.Quantization `json:"quantization,omitempty"`
}

func gb(mib int) string {
	return fmt.Sprintf("%.1f", float64(mib)/1024)
}

// CheckVRAM compares the estimate for model and q with the free memory of
// the first device in gpus.
func CheckVRAM(model string, q training.Quantization, gpus []GPU) VRAMCheck {
	estimated := EstimateVRAM(model, q)
	if len(gpus) == 0 {
		return VRAMCheck{
			Reason:        "No NVIDIA GPU detected",
			EstimatedVRAM: estimated,
			GPUName:       "CPU Only",
		}
	}

	dev := gpus[0]
	name := dev.Name
	if name == "" {
		name = "Unknown GPU"
	}
	headroom := dev.MemoryFree - estimated
	c := VRAMCheck{
		CanFit:          dev.MemoryFree >= estimated,
		EstimatedVRAM:   estimated,
		EstimatedVRAMGB: gb(estimated),
		AvailableVRAM:   dev.MemoryFree,
		AvailableVRAMGB: gb(dev.MemoryFree),
		TotalVRAM:       dev.MemoryTotal,
		TotalVRAMGB:     gb(dev.MemoryTotal),
		Headroom:        headroom,
		HeadroomGB:      gb(headroom),
		GPUName:         name,
		Model:           model,
		Quantization:    q,
	}
	switch {
	case headroom >= SafeHeadroom:
		c.Status = FitSafe
		c.Reason = fmt.Sprintf("Estimated %sGB required. %sGB headroom available.", gb(estimated), gb(headroom))
	case headroom >= 0:
		c.Status = FitTight
		c.Reason = fmt.Sprintf("Estimated %sGB required. Only %sGB headroom - training may be unstable.", gb(estimated), gb(headroom))
	default:
		c.Status = FitOverflow
		c.Reason = fmt.Sprintf("Estimated %sGB required but only %sGB available. Consider using 4-bit quantization.", gb(estimated), gb(dev.MemoryFree))
	}
	return c
}
