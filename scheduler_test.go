package chronicle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestScheduler(t *testing.T, store *Store) *Scheduler {
	t.Helper()
	// A long interval keeps the ticker out of the way; cycles run manually.
	sched := NewScheduler(store, Config{DecayInterval: time.Hour, BatchSize: 100}, zaptest.NewLogger(t))
	sched.SetContextOverride(&LowActivity)
	return sched
}

func TestSchedulerMetricsBeforeStart(t *testing.T) {
	sched := NewScheduler(nil, Config{}, nil)
	m := sched.Metrics()
	if m.Running || m.CycleInFlight || m.CyclesCompleted != 0 || len(m.EntropySamples) != 0 {
		t.Errorf("fresh scheduler should report idle metrics, got %+v", m)
	}
}

func TestSchedulerCycleDecaysStaleItem(t *testing.T) {
	store := newTestStore(t)
	sched := newTestScheduler(t, store)
	ctx := context.Background()

	now := NowMillis()
	require.NoError(t, store.UpsertItems(ctx, []Item{{
		ID:             "stale",
		MemoryType:     MemoryEpisodic,
		Salience:       0.8,
		LastAccessedAt: now - (48 * time.Hour).Milliseconds(),
		CreatedAt:      now - (72 * time.Hour).Milliseconds(),
	}}))

	res, err := sched.RunCycle(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Decayed)

	it, err := store.GetItem(ctx, "stale")
	require.NoError(t, err)
	// 48h episodic at salience 0.8: H_eff = 48, modifier ~ 0.458.
	require.GreaterOrEqual(t, it.Salience, 0.35)
	require.LessOrEqual(t, it.Salience, 0.40)
	require.NotZero(t, it.DecayMetadata.LastDecayRun)
	require.Len(t, it.DecayMetadata.History, 1)
	require.InDelta(t, 0.8, it.DecayMetadata.History[0].PriorSalience, 1e-9)
}

func TestSchedulerCycleIdempotentWithinWindow(t *testing.T) {
	store := newTestStore(t)
	sched := newTestScheduler(t, store)
	ctx := context.Background()

	now := NowMillis()
	require.NoError(t, store.UpsertItems(ctx, []Item{{
		ID:             "stale",
		Salience:       0.7,
		LastAccessedAt: now - (24 * time.Hour).Milliseconds(),
	}}))

	_, err := sched.RunCycle(ctx)
	require.NoError(t, err)
	first, err := store.GetItem(ctx, "stale")
	require.NoError(t, err)

	// A second cycle inside the reprocess window must skip the row.
	res, err := sched.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.Processed)

	second, err := store.GetItem(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, first.Salience, second.Salience)
	require.Equal(t, first.DecayMetadata.LastDecayRun, second.DecayMetadata.LastDecayRun)
}

func TestSchedulerCycleSkipsRecentlyAccessed(t *testing.T) {
	store := newTestStore(t)
	sched := newTestScheduler(t, store)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "fresh", Salience: 0.9}}))

	res, err := sched.RunCycle(ctx)
	require.NoError(t, err)
	// Processed (last_decay_run advances) but not decayed: under 15m idle.
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 0, res.Decayed)

	it, err := store.GetItem(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, 0.9, it.Salience)
	require.Empty(t, it.DecayMetadata.History)
	require.NotZero(t, it.DecayMetadata.LastDecayRun)
}

func TestSchedulerCycleCoversFacts(t *testing.T) {
	store := newTestStore(t)
	sched := newTestScheduler(t, store)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c1"}}))
	require.NoError(t, store.SaveFacts(ctx, "c1", []ExtractedFact{
		{Subject: "s", Predicate: "p", Object: "o"},
	}))
	// Age the fact past the rehearsal guard.
	stale := NowMillis() - (48 * time.Hour).Milliseconds()
	_, err := store.pool.Exec(ctx, `UPDATE facts SET last_accessed_at = $1`, stale)
	require.NoError(t, err)
	_, err = store.pool.Exec(ctx, `UPDATE chats SET last_accessed_at = $1`, stale)
	require.NoError(t, err)

	res, err := sched.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed) // the chat and the fact
	require.Equal(t, 2, res.Decayed)

	facts, err := store.LoadFacts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Less(t, facts[0].Salience, 0.5)
}

func TestSchedulerCycleRecordsMetric(t *testing.T) {
	store := newTestStore(t)
	sched := newTestScheduler(t, store)
	ctx := context.Background()

	require.NoError(t, store.UpsertItems(ctx, []Item{{ID: "c1", Salience: 0.6}}))

	res, err := sched.RunCycle(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Entropy, 0.0)
	require.LessOrEqual(t, res.Entropy, 1.0)

	metrics, err := store.RecentDecayMetrics(ctx, 5)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	require.Equal(t, "low_activity", metrics[0].EnvironmentalContext)
	require.Equal(t, res.Processed, metrics[0].ItemsProcessed)

	svc := sched.Metrics()
	require.Equal(t, 1, svc.CyclesCompleted)
	require.Equal(t, res.Entropy, svc.LastEntropy)
	require.Len(t, svc.EntropySamples, 1)
}

func TestSchedulerStartStop(t *testing.T) {
	store := newTestStore(t)
	sched := newTestScheduler(t, store)
	ctx := context.Background()

	sched.Start(ctx)
	sched.Start(ctx) // second call is refused, not fatal

	// The immediate cycle should land quickly.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sched.Metrics().CyclesCompleted >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.GreaterOrEqual(t, sched.Metrics().CyclesCompleted, 1)

	sched.Stop()
	require.False(t, sched.Metrics().Running)
	sched.Stop() // idempotent
}
