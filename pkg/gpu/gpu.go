// Package gpu reads the local NVIDIA device inventory and estimates
// whether a job fits in device memory.
package gpu

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	ErrToolNotFound = errors.New("nvidia-smi not found")
	ErrTimeout      = errors.New("nvidia-smi timed out")
	ErrQueryFailed  = errors.New("nvidia-smi failed")
)

const queryFields = "name,memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu,power.draw"

// GPU is one device as reported by nvidia-smi. Memory is in MiB.
type GPU struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	MemoryTotal int     `json:"memory_total"`
	MemoryUsed  int     `json:"memory_used"`
	MemoryFree  int     `json:"memory_free"`
	Utilization int     `json:"utilization"`
	Temperature int     `json:"temperature"`
	Power       float64 `json:"power"`
}

// Inventory is the device list plus the reason it is empty, if any.
type Inventory struct {
	GPUs  []GPU  `json:"gpus"`
	Error string `json:"error,omitempty"`
}

type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Querier runs nvidia-smi.
type Querier struct {
	Binary  string
	Timeout time.Duration
	Run     RunFunc
}

func NewQuerier(timeout time.Duration) *Querier {
	return &Querier{Binary: "nvidia-smi", Timeout: timeout}
}

// List returns every device in index order.
func (q *Querier) List(ctx context.Context) ([]GPU, error) {
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}
	run := q.Run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	bin := q.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}

	out, err := run(ctx, bin, "--query-gpu="+queryFields, "--format=csv,noheader,nounits")
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrNotFound):
		return nil, ErrToolNotFound
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, ErrTimeout
	default:
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return Parse(out)
}

// Inventory never fails; problems are reported in the Error field.
func (q *Querier) Inventory(ctx context.Context) Inventory {
	gpus, err := q.List(ctx)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, ErrQueryFailed) {
			msg = ErrQueryFailed.Error()
		}
		return Inventory{GPUs: []GPU{}, Error: msg}
	}
	return Inventory{GPUs: gpus}
}

// Parse reads nvidia-smi CSV output without header or units. Rows with
// fewer than seven columns are skipped.
func Parse(out []byte) ([]GPU, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	gpus := []GPU{}
	for i := 0; ; i++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return gpus, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse nvidia-smi output: %w", err)
		}
		if len(rec) < 7 {
			continue
		}
		for j := range rec {
			rec[j] = strings.TrimSpace(rec[j])
		}
		g := GPU{ID: fmt.Sprintf("gpu-%d", len(gpus)), Name: rec[0]}
		ints := []*int{&g.MemoryTotal, &g.MemoryUsed, &g.MemoryFree, &g.Utilization, &g.Temperature}
		for k, dst := range ints {
			v, err := parseInt(rec[k+1])
			if err != nil {
				return nil, fmt.Errorf("parse nvidia-smi row %d column %d: %w", i, k+1, err)
			}
			*dst = v
		}
		g.Power = parseFloat(rec[6])
		gpus = append(gpus, g)
	}
}

func parseInt(s string) (int, error) {
	if isNA(s) {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseFloat(s string) float64 {
	if isNA(s) {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func isNA(s string) bool {
	return s == "" || strings.EqualFold(s, "[N/A]") || strings.EqualFold(s, "N/A")
}
