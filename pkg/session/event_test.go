package session_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/forge/bridge/pkg/session"
)

func TestEventJSON(t *testing.T) {
	tests := []struct {
		name string
		ev   session.Event
		want string
	}{
		{
			"progress keeps zero metrics",
			session.Event{Type: session.EventProgress, Step: 1, TotalSteps: 3, Log: "hello"},
			`{"type":"progress","step":1,"total_steps":3,"loss":0,"accuracy":0,"log":"hello"}`,
		},
		{
			"aborted",
			session.Event{Type: session.EventAborted, Step: 4, Log: "[FORGE] Training aborted by user"},
			`{"type":"aborted","step":4,"log":"[FORGE] Training aborted by user"}`,
		},
		{
			"complete at step zero",
			session.Event{Type: session.EventComplete, Log: "done"},
			`{"type":"complete","step":0,"log":"done"}`,
		},
		{
			"warning",
			session.Event{Type: session.EventWarning, Message: "m", Log: "l", Step: 9},
			`{"type":"warning","message":"m","log":"l"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := json.Marshal(tc.ev)
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(got))
		})
	}

	_, err := json.Marshal(session.Event{Type: "bogus"})
	require.Error(t, err)
}

func TestEventDecode(t *testing.T) {
	var ev session.Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"error","message":"Training exited with code 2","exit_code":2,"log":"x"}`), &ev))
	require.Equal(t, session.EventError, ev.Type)
	require.True(t, ev.Type.Terminal())
	require.Equal(t, 2, *ev.ExitCode)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"progress","step":7,"total_steps":10,"loss":0.25,"accuracy":0.5,"log":"y"}`), &ev))
	require.Equal(t, 7, ev.Step)
	require.Equal(t, 10, ev.TotalSteps)
	require.Equal(t, 0.25, ev.Loss)
	require.Nil(t, ev.ExitCode)
	require.False(t, ev.Type.Terminal())
}

func TestDecodeCommand(t *testing.T) {
	cmd, ok := session.DecodeCommand([]byte(`{"action":"abort"}`))
	require.True(t, ok)
	require.Equal(t, session.ActionAbort, cmd.Action)

	_, ok = session.DecodeCommand([]byte(`{"action":" ABORT "}`))
	require.True(t, ok)

	for _, raw := range []string{`{"action":"pause"}`, `{}`, `[]`, `abort`, ``} {
		_, ok := session.DecodeCommand([]byte(raw))
		require.False(t, ok, raw)
	}
}

func TestStateString(t *testing.T) {
	require.Equal(t, "streaming", session.StateStreaming.String())
	require.Equal(t, "unknown", session.State(99).String())
}
