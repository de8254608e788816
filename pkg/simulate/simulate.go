// Package simulate provides a launcher that fakes a training job with
// realistic loss and accuracy curves. It never runs the job script and is
// only used when simulation is switched on explicitly.
package simulate

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vyvo/forge/bridge/pkg/scriptgen"
	"github.com/vyvo/forge/bridge/pkg/supervisor"
)

// StepsEnv carries the step count to simulate.
const StepsEnv = "FORGE_MAX_STEPS"

const defaultSteps = 100

// Launcher starts simulated jobs.
type Launcher struct {
	Interval time.Duration
	// Seed makes runs reproducible. Zero picks a random seed.
	Seed uint64
}

func (l *Launcher) Launch(ctx context.Context, spec supervisor.Spec) (supervisor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &supervisor.LaunchError{Path: "simulator", Err: err}
	}
	seed := l.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	pr, pw := io.Pipe()
	p := &process{
		pr:    pr,
		pw:    pw,
		lines: supervisor.NewLineReader(pr),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.run(stepsFrom(spec.Env), l.Interval, rand.New(rand.NewPCG(seed, seed>>1)))
	return p, nil
}

func stepsFrom(env []string) int {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, StepsEnv+"="); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return defaultSteps
}

// Curve returns the simulated loss and accuracy at step.
func Curve(step int, rng *rand.Rand) (loss, acc float64) {
	s := float64(step)
	loss = math.Max(0.1, 2.5*math.Exp(-0.015*s)+uniform(rng, -0.05, 0.1))
	acc = math.Min(0.99, 0.35+0.6*(1-math.Exp(-0.02*s))+uniform(rng, -0.02, 0.02))
	return loss, acc
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

type process struct {
	pr    *io.PipeReader
	pw    *io.PipeWriter
	lines *supervisor.LineReader

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	code      int
	closeOnce sync.Once
}

func (p *process) run(steps int, interval time.Duration, rng *rand.Rand) {
	defer close(p.done)
	write := func(format string, args ...any) bool {
		if _, err := fmt.Fprintf(p.pw, format+"\n", args...); err != nil {
			p.code = -1
			return false
		}
		return true
	}

	if !write("%s Simulated run: %d steps, no job process launched", scriptgen.Marker, steps) {
		return
	}
	var loss, acc float64
	for step := 1; step <= steps; step++ {
		if interval > 0 {
			select {
			case <-p.stop:
				p.code = -1
				return
			case <-time.After(interval):
			}
		}
		loss, acc = Curve(step, rng)
		vram := 18.5 + uniform(rng, -0.5, 0.5)
		if !write("[Epoch 1] Step %d/%d | Loss: %.4f | Acc: %.2f%% | VRAM: %.1fGB", step, steps, loss, acc*100, vram) {
			return
		}
	}
	if write("%s Training complete! Final Loss: %.4f | Accuracy: %.2f%%", scriptgen.Marker, loss, acc*100) {
		p.pw.Close()
	}
}

func (p *process) PID() int { return 0 }

func (p *process) ReadLine() (string, error) { return p.lines.ReadLine() }

func (p *process) Terminate() error {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.pw.CloseWithError(io.EOF)
	})
	return nil
}

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *process) Close() error {
	p.closeOnce.Do(func() {
		p.Terminate()
		<-p.done
		p.pr.Close()
	})
	return nil
}
