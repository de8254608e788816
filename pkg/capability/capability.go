// Package capability detects which training toolchains the local Python
// environment can import.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vyvo/forge/bridge/pkg/training"
)

// PyTorchKey is the report entry for the plain torch + transformers fallback.
const PyTorchKey = "pytorch"

// Backend is the probe result for one toolchain.
type Backend struct {
	Available           bool   `json:"available"`
	Version             string `json:"version,omitempty"`
	TorchVersion        string `json:"torch_version,omitempty"`
	TransformersVersion string `json:"transformers_version,omitempty"`
	CUDAAvailable       *bool  `json:"cuda_available,omitempty"`
}

// Report lists every probed toolchain by name.
type Report struct {
	Backends  map[string]Backend `json:"backends"`
	CheckedAt time.Time          `json:"checked_at"`
}

// Available reports whether p was importable.
func (r Report) Available(p training.Provider) bool {
	return r.Backends[string(p)].Available
}

// RunFunc runs a command and returns its stdout.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

const moduleProbe = `import importlib, json, sys
try:
    m = importlib.import_module(sys.argv[1])
except Exception:
    print(json.dumps({"available": False}))
    sys.exit(0)
print(json.dumps({"available": True, "version": str(getattr(m, "__version__", "unknown"))}))
`

const torchProbe = `import json
try:
    import torch
    import transformers
except Exception:
    print(json.dumps({"available": False}))
else:
    print(json.dumps({
        "available": True,
        "torch_version": str(torch.__version__),
        "transformers_version": str(transformers.__version__),
        "cuda_available": bool(torch.cuda.is_available()),
    }))
`

// Detector probes the interpreter and caches the report for TTL.
type Detector struct {
	Python  string
	Timeout time.Duration
	TTL     time.Duration
	Run     RunFunc
	Logger  *slog.Logger

	now     func() time.Time
	group   singleflight.Group
	mu      sync.RWMutex
	cached  Report
	expires time.Time
}

// New returns a detector for the given interpreter.
func New(python string, timeout, ttl time.Duration, logger *slog.Logger) *Detector {
	if python == "" {
		python = "python3"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		Python:  python,
		Timeout: timeout,
		TTL:     ttl,
		Run:     execRun,
		Logger:  logger,
		now:     time.Now,
	}
}

// Detect returns the cached report, probing again once it has expired.
// Concurrent callers share one probe.
func (d *Detector) Detect(ctx context.Context) (Report, error) {
	d.mu.RLock()
	report, fresh := d.cached, d.clock().Before(d.expires)
	d.mu.RUnlock()
	if fresh {
		return report, nil
	}
	// the shared probe outlives any one caller; each probe is bounded by Timeout
	ch := d.group.DoChan("detect", func() (any, error) {
		return d.Refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Report{}, res.Err
		}
		return res.Val.(Report), nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Refresh probes every toolchain now and replaces the cached report.
func (d *Detector) Refresh(ctx context.Context) (Report, error) {
	names := make([]string, 0, len(training.Providers)+1)
	for _, p := range training.Providers {
		names = append(names, string(p))
	}
	names = append(names, PyTorchKey)
	results := make([]Backend, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			b, err := d.probe(gctx, name)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.logger().Debug("capability probe failed", "backend", name, "error", err)
			}
			results[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{Backends: make(map[string]Backend, len(names)), CheckedAt: d.clock().UTC()}
	for i, name := range names {
		report.Backends[name] = results[i]
	}

	d.mu.Lock()
	d.cached = report
	d.expires = d.clock().Add(d.TTL)
	d.mu.Unlock()
	return report, nil
}

// Available implements the session's provider check.
func (d *Detector) Available(ctx context.Context, p training.Provider) (bool, error) {
	report, err := d.Detect(ctx)
	if err != nil {
		return false, err
	}
	return report.Available(p), nil
}

func (d *Detector) probe(ctx context.Context, name string) (Backend, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	run := d.Run
	if run == nil {
		run = execRun
	}

	var (
		out []byte
		err error
	)
	if name == PyTorchKey {
		out, err = run(ctx, d.Python, "-c", torchProbe)
	} else {
		out, err = run(ctx, d.Python, "-c", moduleProbe, name)
	}
	if err != nil {
		return Backend{}, fmt.Errorf("probe %s: %w", name, err)
	}

	var b Backend
	if err := json.Unmarshal([]byte(lastLine(out)), &b); err != nil {
		return Backend{}, fmt.Errorf("decode %s probe: %w", name, err)
	}
	return b, nil
}

// Imports may print banners before the probe's JSON line.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func (d *Detector) clock() time.Time {
	if d.now == nil {
		return time.Now()
	}
	return d.now()
}

func (d *Detector) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
