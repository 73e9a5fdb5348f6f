package chronicle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// batchPause is how long a cycle yields between batches.
const batchPause = 100 * time.Millisecond

// metricRetention is how long run metric rows are kept. The contract is at
// least one week; a month gives dashboards some slack.
const metricRetention = 30 * 24 * time.Hour

// entropyRingCap bounds the in-memory entropy sample history.
const entropyRingCap = 100

// CycleResult summarises one decay cycle.
type CycleResult struct {
	Processed  int      `json:"processed"`
	Decayed    int      `json:"decayed"`
	Entropy    float64  `json:"entropy"`
	DurationMS int64    `json:"duration_ms"`
	Batches    int      `json:"batches"`
	Errors     []string `json:"errors,omitempty"`
}

// ServiceMetrics is the scheduler's in-memory state snapshot.
type ServiceMetrics struct {
	Running         bool      `json:"running"`
	CycleInFlight   bool      `json:"cycle_in_flight"`
	CyclesCompleted int       `json:"cycles_completed"`
	LastRunAt       int64     `json:"last_run_at"`
	LastEntropy     float64   `json:"last_entropy"`
	EntropySamples  []float64 `json:"entropy_samples"`
}

// Scheduler is the periodic decay worker. One cycle runs at a time; a start
// or manual trigger during an active cycle is refused.
type Scheduler struct {
	store    *Store
	interval time.Duration
	batch    int
	log      *zap.Logger

	// override pins the environmental context (low_activity is only ever
	// selected this way). Nil means the wall clock decides.
	override *EnvContext

	mu        sync.Mutex
	started   bool
	inFlight  bool // single-cycle latch
	stopCh    chan struct{}
	doneCh    chan struct{}
	cycles    int
	lastRunAt int64
	entropy   []float64 // ring of the last entropyRingCap samples
}

// NewScheduler builds a scheduler over the store. The interval is both the
// tick period and the per-row minimum reprocess window.
func NewScheduler(store *Store, cfg Config, logger *zap.Logger) *Scheduler {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		interval: cfg.DecayInterval,
		batch:    cfg.BatchSize,
		log:      logger,
	}
}

// SetContextOverride pins the environmental context for subsequent cycles.
// Pass nil to return to wall-clock selection.
func (d *Scheduler) SetContextOverride(env *EnvContext) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.override = env
}

// Start launches the cycle runner: one cycle immediately, then one per
// interval. Calling Start while running is logged and ignored.
func (d *Scheduler) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.log.Warn("decay scheduler already started, ignoring")
		return
	}
	d.started = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	d.log.Info("decay scheduler started", zap.Duration("interval", d.interval))
}

// Stop cancels the ticker and waits for any in-flight cycle to settle.
func (d *Scheduler) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.stopCh)
	done := d.doneCh
	d.mu.Unlock()

	<-done
	d.log.Info("decay scheduler stopped")
}

func (d *Scheduler) run(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ticker.C:
			d.tick(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Scheduler) tick(ctx context.Context) {
	res, err := d.RunCycle(ctx)
	if err != nil {
		d.log.Warn("decay cycle refused or failed", zap.Error(err))
		return
	}
	d.log.Info("decay cycle finished",
		zap.Int("processed", res.Processed),
		zap.Int("decayed", res.Decayed),
		zap.Int("batches", res.Batches),
		zap.Int("errors", len(res.Errors)),
		zap.Float64("entropy", res.Entropy),
		zap.Int64("duration_ms", res.DurationMS))
}

// OnAccess is the read-path hook: refreshes last_accessed_at and bumps
// recall_count for an item.
func (d *Scheduler) OnAccess(ctx context.Context, id string) error {
	return d.store.TrackView(ctx, id)
}

// RunCycle performs one decay sweep over items then facts. A cycle already
// in flight is refused with ErrConflict. Per-batch failures accumulate in
// the result's Errors and never abort the cycle.
func (d *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		d.log.Warn("decay cycle already in flight, refusing")
		return CycleResult{}, wrapErr("run cycle", fmt.Errorf("%w: cycle already running", ErrConflict))
	}
	d.inFlight = true
	env := d.override
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	start := time.Now()
	now := NowMillis()
	envCtx := CurrentContext()
	if env != nil {
		envCtx = *env
	}

	var res CycleResult
	var totalDecayAmount float64

	for _, table := range []DecayTable{TableChats, TableFacts} {
		cursor := ""
		for {
			rows, err := d.store.SelectDecayBatch(ctx, table, cursor, d.batch, now, d.interval)
			if err != nil {
				// Without a page there is no cursor to advance; move on to
				// the next table.
				res.Errors = append(res.Errors, fmt.Sprintf("%s: select: %v", table, err))
				break
			}
			if len(rows) == 0 {
				break
			}
			res.Batches++

			updates := make([]DecayUpdate, 0, len(rows))
			for _, r := range rows {
				hours := float64(now-r.LastAccessedAt) / 3_600_000.0
				newSalience, amount, mods := ApplyDecay(r.Salience, hours, r.MemoryType, r.RecallCount, envCtx)

				u := DecayUpdate{ID: r.ID, Metadata: r.Metadata}
				u.Metadata.LastDecayRun = now
				if newSalience < r.Salience {
					u.Decayed = true
					u.NewSalience = newSalience
					u.Metadata.Append(DecayHistoryEntry{
						RunAt:            now,
						PriorSalience:    r.Salience,
						NewSalience:      newSalience,
						HoursSinceAccess: hours,
						LTPFactor:        mods.LTPFactor,
						RecallBoost:      mods.RecallBoost,
						EnvMultiplier:    mods.EnvMult,
						Modifier:         mods.Modifier,
					})
					res.Decayed++
					totalDecayAmount += amount
				}
				updates = append(updates, u)
			}
			res.Processed += len(rows)

			if err := d.store.ApplyDecayUpdates(ctx, table, updates); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: apply: %v", table, err))
			}

			if len(rows) < d.batch {
				break
			}
			cursor = rows[len(rows)-1].ID

			select {
			case <-time.After(batchPause):
			case <-ctx.Done():
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", table, ctx.Err()))
				return d.finishCycle(ctx, res, totalDecayAmount, envCtx, start, now), nil
			}
		}
	}

	return d.finishCycle(ctx, res, totalDecayAmount, envCtx, start, now), nil
}

// finishCycle computes entropy, persists the run metric, and folds the cycle
// into the in-memory service metrics.
func (d *Scheduler) finishCycle(ctx context.Context, res CycleResult, totalDecayAmount float64, envCtx EnvContext, start time.Time, now int64) CycleResult {
	saliences, err := d.store.LiveSalience(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("entropy: %v", err))
	} else {
		res.Entropy = Entropy(saliences)
	}
	res.DurationMS = time.Since(start).Milliseconds()

	avgDecay := 0.0
	if res.Decayed > 0 {
		avgDecay = totalDecayAmount / float64(res.Decayed)
	}
	metric := DecayRunMetric{
		RunTimestamp:         now,
		ItemsProcessed:       res.Processed,
		ItemsDecayed:         res.Decayed,
		ErrorCount:           len(res.Errors),
		AverageDecayAmount:   avgDecay,
		MemoryEntropy:        res.Entropy,
		EnvironmentalContext: envCtx.Name,
		ProcessingDurationMS: res.DurationMS,
	}
	if err := d.store.InsertDecayMetric(ctx, metric); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("metric: %v", err))
	}
	if err := d.store.PruneDecayMetrics(ctx, metricRetention); err != nil {
		d.log.Warn("metric pruning failed", zap.Error(err))
	}

	d.mu.Lock()
	d.cycles++
	d.lastRunAt = now
	d.entropy = append(d.entropy, res.Entropy)
	if len(d.entropy) > entropyRingCap {
		d.entropy = d.entropy[len(d.entropy)-entropyRingCap:]
	}
	d.mu.Unlock()

	return res
}

// Metrics snapshots the scheduler's in-memory state.
func (d *Scheduler) Metrics() ServiceMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	samples := make([]float64, len(d.entropy))
	copy(samples, d.entropy)

	m := ServiceMetrics{
		Running:         d.started,
		CycleInFlight:   d.inFlight,
		CyclesCompleted: d.cycles,
		LastRunAt:       d.lastRunAt,
		EntropySamples:  samples,
	}
	if len(samples) > 0 {
		m.LastEntropy = samples[len(samples)-1]
	}
	return m
}
