package history_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/forge/bridge/pkg/history"
	"github.com/vyvo/forge/bridge/pkg/session"
	"github.com/vyvo/forge/bridge/pkg/training"
)

// storeContract exercises the behaviour every Store shares.
func storeContract(t *testing.T, s history.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cfg := training.Defaults()
	older := history.Run{ID: "run-older", Status: history.StatusRunning, StartedAt: base, UpdatedAt: base}
	newer := history.Run{
		ID: "run-newer", Provider: cfg.Provider, Model: cfg.Model, Config: &cfg,
		Status: history.StatusRunning, TotalSteps: cfg.MaxSteps,
		StartedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
	}
	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))

	events := []session.Event{
		{Type: session.EventInfo, Message: "Received training config for unsloth", Log: "[FORGE] Initializing unsloth training pipeline..."},
		{Type: session.EventProgress, Step: 1, TotalSteps: 100, Loss: 1.25, Log: "loss: 1.25"},
		{Type: session.EventComplete, Step: 1, Log: "[FORGE] ✓ Training completed successfully!"},
	}
	for i, ev := range events {
		require.NoError(t, s.AppendEvent(ctx, newer.ID, history.Entry{Seq: i + 1, Time: base.Add(time.Duration(i) * time.Second), Event: ev}))
	}

	code := 0
	finished := base.Add(2 * time.Minute)
	newer.Status = history.StatusComplete
	newer.Step = 1
	newer.LastLoss = 1.25
	newer.ExitCode = &code
	newer.FinishedAt = &finished
	newer.UpdatedAt = finished
	require.NoError(t, s.Save(ctx, newer))

	got, err := s.Get(ctx, newer.ID)
	require.NoError(t, err)
	require.Equal(t, newer.ID, got.ID)
	require.Equal(t, history.StatusComplete, got.Status)
	require.Equal(t, 1, got.Step)
	require.Equal(t, 100, got.TotalSteps)
	require.Equal(t, 1.25, got.LastLoss)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.Config)
	require.Equal(t, cfg, *got.Config)
	require.True(t, got.StartedAt.Equal(newer.StartedAt))
	require.NotNil(t, got.FinishedAt)
	require.True(t, got.FinishedAt.Equal(finished))

	runs, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-newer", runs[0].ID)
	require.Equal(t, "run-older", runs[1].ID)

	runs, err = s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	entries, err := s.Events(ctx, newer.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, i+1, e.Seq)
		require.Equal(t, events[i].Type, e.Event.Type)
	}
	require.InDelta(t, 1.25, entries[1].Event.Loss, 1e-9)

	entries, err = s.Events(ctx, newer.ID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 2, entries[0].Seq)
	require.Equal(t, 3, entries[1].Seq)
	require.Equal(t, events[2].Type, entries[1].Event.Type)

	_, err = s.Get(ctx, "missing")
	require.True(t, errors.Is(err, history.ErrNotFound))
	_, err = s.Events(ctx, "missing", 0)
	require.True(t, errors.Is(err, history.ErrNotFound))
}

func TestMemStore(t *testing.T) {
	storeContract(t, history.NewMemStore(0, 0))
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := history.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FORGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORGE_TEST_POSTGRES_DSN not set")
	}
	s, err := history.NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("FORGE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FORGE_TEST_REDIS_URL not set")
	}
	s, err := history.NewRedisStore(context.Background(), url, time.Minute)
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}

func TestMemStoreLimits(t *testing.T) {
	ctx := context.Background()
	s := history.NewMemStore(2, 2)
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, history.Run{ID: id, Status: history.StatusComplete, StartedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "c", runs[0].ID)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, "c", history.Entry{Seq: i}))
	}
	entries, err := s.Events(ctx, "c", 0)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, []int{entries[0].Seq, entries[1].Seq})

	require.ErrorIs(t, s.AppendEvent(ctx, "zzz", history.Entry{}), history.ErrNotFound)
}

func TestMemStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	s := history.NewMemStore(0, 0)
	require.NoError(t, s.Save(ctx, history.Run{ID: "live", Status: history.StatusRunning}))
	require.NoError(t, s.AppendEvent(ctx, "live", history.Entry{Seq: 1}))

	backlog, ch, cancel, err := s.Subscribe("live")
	require.NoError(t, err)
	defer cancel()
	require.Len(t, backlog, 1)

	require.NoError(t, s.AppendEvent(ctx, "live", history.Entry{Seq: 2}))
	require.Equal(t, 2, (<-ch).Seq)

	require.NoError(t, s.Save(ctx, history.Run{ID: "live", Status: history.StatusComplete}))
	_, open := <-ch
	require.False(t, open)
	cancel()

	backlog, ch, cancel, err = s.Subscribe("live")
	require.NoError(t, err)
	defer cancel()
	require.Len(t, backlog, 2)
	_, open = <-ch
	require.False(t, open)

	_, _, _, err = s.Subscribe("nope")
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestMemStoreSubscribeCancel(t *testing.T) {
	ctx := context.Background()
	s := history.NewMemStore(0, 0)
	require.NoError(t, s.Save(ctx, history.Run{ID: "live", Status: history.StatusRunning}))
	_, ch, cancel, err := s.Subscribe("live")
	require.NoError(t, err)
	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)
	require.NoError(t, s.AppendEvent(ctx, "live", history.Entry{Seq: 1}))
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	sqlite, err := history.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	rec := history.NewRecorder(history.NewMemStore(0, 0), sqlite)
	defer rec.Close()
	require.Same(t, history.Store(sqlite), rec.Reader())

	var _ session.Recorder = rec

	cfg := training.Defaults()
	cfg.MaxSteps = 3
	require.NoError(t, rec.SessionOpened(ctx, "s1"))
	require.NoError(t, rec.SessionConfigured(ctx, "s1", cfg))

	_, live, cancel, err := rec.Memory().Subscribe("s1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, rec.EventSent(ctx, "s1", session.Event{Type: session.EventProgress, Step: 1, TotalSteps: 3, Loss: 0.7}))
	require.Equal(t, 1, (<-live).Seq)

	mem, err := rec.Memory().Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, history.StatusRunning, mem.Status)
	require.Equal(t, 1, mem.Step)
	require.Equal(t, 0.7, mem.LastLoss)

	code := 2
	require.NoError(t, rec.SessionClosed(ctx, "s1", session.Result{
		Outcome:  session.OutcomeError,
		Step:     1,
		ExitCode: &code,
		Err:      &session.RuntimeFailure{Code: 2},
	}))

	stored, err := rec.Reader().Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, history.StatusError, stored.Status)
	require.Equal(t, "Training exited with code 2", stored.Error)
	require.Equal(t, 2, *stored.ExitCode)
	require.Equal(t, training.ProviderUnsloth, stored.Provider)
	require.Equal(t, 3, stored.TotalSteps)
	require.NotNil(t, stored.FinishedAt)

	entries, err := rec.Reader().Events(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, open := <-live
	require.False(t, open)

	require.ErrorIs(t, rec.EventSent(ctx, "unknown", session.Event{Type: session.EventInfo}), history.ErrNotFound)
}
