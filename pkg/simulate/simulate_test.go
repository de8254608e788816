package simulate_test

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vyvo/forge/bridge/pkg/metrics"
	"github.com/vyvo/forge/bridge/pkg/simulate"
	"github.com/vyvo/forge/bridge/pkg/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSimulatedRun(t *testing.T) {
	l := &simulate.Launcher{Seed: 7}
	p, err := l.Launch(context.Background(), supervisor.Spec{Env: []string{"FORGE_MAX_STEPS=5"}})
	require.NoError(t, err)
	defer p.Close()

	var lines []string
	for {
		line, err := p.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}
	require.Len(t, lines, 7)
	require.Contains(t, lines[0], "[FORGE] Simulated run: 5 steps")
	require.Contains(t, lines[6], "[FORGE] Training complete!")

	ex := metrics.Simulated()
	for _, line := range lines[1:6] {
		m := ex.Extract(line)
		require.True(t, m.HasLoss, line)
		require.True(t, m.HasAccuracy, line)
		require.Greater(t, m.Loss, 0.0)
		require.Less(t, m.Accuracy, 1.0)
	}

	code, err := p.Wait()
	require.NoError(t, err)
	require.Zero(t, code)
}

func TestSimulatedTerminate(t *testing.T) {
	l := &simulate.Launcher{Interval: 10 * time.Millisecond, Seed: 1}
	p, err := l.Launch(context.Background(), supervisor.Spec{Env: []string{"FORGE_MAX_STEPS=1000"}})
	require.NoError(t, err)

	_, err = p.ReadLine()
	require.NoError(t, err)
	require.NoError(t, p.Terminate())
	require.NoError(t, p.Terminate())

	code, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, -1, code)
	require.NoError(t, p.Close())
}

func TestCurveDecreases(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	first, _ := simulate.Curve(1, rng)
	last, acc := simulate.Curve(300, rng)
	require.Greater(t, first, last)
	require.GreaterOrEqual(t, last, 0.1)
	require.LessOrEqual(t, acc, 0.99)
}
