package supervisor_test

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vyvo/forge/bridge/pkg/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeScript(t *testing.T, body string) supervisor.Spec {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "job.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return supervisor.Spec{Interpreter: sh, ScriptPath: path}
}

func readAll(t *testing.T, p supervisor.Process) []string {
	t.Helper()
	var lines []string
	for {
		line, err := p.ReadLine()
		if errors.Is(err, io.EOF) {
			return lines
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}
}

func TestLocalCombinedOutput(t *testing.T) {
	spec := writeScript(t, "echo first\necho second 1>&2\necho \"$FORGE_TEST\"\nprintf 'partial'\nexit 3\n")
	spec.Env = []string{"FORGE_TEST=from-env"}

	p, err := supervisor.NewLocal(time.Second, nil).Launch(context.Background(), spec)
	require.NoError(t, err)
	defer p.Close()
	require.Positive(t, p.PID())

	require.Equal(t, []string{"first", "second", "from-env", "partial"}, readAll(t, p))

	_, err = p.ReadLine()
	require.ErrorIs(t, err, io.EOF)

	code, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, 3, code)

	require.NoError(t, p.Terminate())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestLocalTerminate(t *testing.T) {
	spec := writeScript(t, "echo ready\nsleep 30\n")

	p, err := supervisor.NewLocal(5*time.Second, nil).Launch(context.Background(), spec)
	require.NoError(t, err)

	line, err := p.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "ready", line)

	start := time.Now()
	require.NoError(t, p.Terminate())
	require.NoError(t, p.Terminate())

	code, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, -1, code)
	require.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, p.Close())
}

func TestLocalTerminateEscalates(t *testing.T) {
	spec := writeScript(t, "trap '' TERM\necho ready\nwhile true; do sleep 0.05; done\n")

	p, err := supervisor.NewLocal(100*time.Millisecond, nil).Launch(context.Background(), spec)
	require.NoError(t, err)

	line, err := p.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "ready", line)

	require.NoError(t, p.Terminate())
	code, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, -1, code)
	require.NoError(t, p.Close())
}

func TestLocalCloseKillsRunningJob(t *testing.T) {
	spec := writeScript(t, "echo ready\nsleep 30\n")

	p, err := supervisor.NewLocal(time.Second, nil).Launch(context.Background(), spec)
	require.NoError(t, err)
	_, err = p.ReadLine()
	require.NoError(t, err)

	require.NoError(t, p.Close())
	code, _ := p.Wait()
	require.Equal(t, -1, code)
}

func TestLaunchError(t *testing.T) {
	spec := supervisor.Spec{
		Interpreter: filepath.Join(t.TempDir(), "no-such-python"),
		ScriptPath:  "train.py",
	}
	_, err := supervisor.NewLocal(0, nil).Launch(context.Background(), spec)
	require.Error(t, err)

	var launchErr *supervisor.LaunchError
	require.True(t, errors.As(err, &launchErr))
	require.Equal(t, spec.Interpreter, launchErr.Path)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = supervisor.NewLocal(0, nil).Launch(ctx, writeScript(t, "exit 0\n"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestLineReader(t *testing.T) {
	r := supervisor.NewLineReader(strings.NewReader("a\r\nb\n\nlast"))
	var got []string
	for {
		line, err := r.ReadLine()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		got = append(got, line)
	}
	require.Equal(t, []string{"a", "b", "", "last"}, got)

	_, err := r.ReadLine()
	require.ErrorIs(t, err, io.EOF)
}

func TestLineReaderLongLine(t *testing.T) {
	long := strings.Repeat("x", supervisor.MaxLineLength+10)
	r := supervisor.NewLineReader(strings.NewReader(long + "\n"))

	first, err := r.ReadLine()
	require.NoError(t, err)
	second, err := r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, long, first+second)
}
