package chronicle

import (
	"context"

	"go.uber.org/zap"
)

// Host is the narrow surface exposed to presentation layers (import modals,
// dashboards, mind-map, search). The boolean-returning operations swallow
// and log failures the way the UI expects; callers that need the error
// detail go through Store directly.
type Host struct {
	engine *Engine
	log    *zap.Logger
}

// NewHost wraps an engine in the host binding surface.
func NewHost(engine *Engine) *Host {
	return &Host{engine: engine, log: engine.log}
}

// LoadDatabase returns all items, newest first.
func (h *Host) LoadDatabase(ctx context.Context) ([]Item, error) {
	return h.engine.store.LoadItems(ctx)
}

// SaveDatabase upserts the given items in one transaction.
func (h *Host) SaveDatabase(ctx context.Context, items []Item) bool {
	if err := h.engine.store.UpsertItems(ctx, items); err != nil {
		h.log.Error("save database failed", zap.Int("items", len(items)), zap.Error(err))
		return false
	}
	return true
}

// SaveFacts stores an extraction batch for a chat.
func (h *Host) SaveFacts(ctx context.Context, chatID string, facts []ExtractedFact) bool {
	if err := h.engine.store.SaveFacts(ctx, chatID, facts); err != nil {
		h.log.Error("save facts failed", zap.String("chat_id", chatID), zap.Error(err))
		return false
	}
	return true
}

// LoadFacts returns the live facts for a chat.
func (h *Host) LoadFacts(ctx context.Context, chatID string) ([]Fact, error) {
	return h.engine.store.LoadFacts(ctx, chatID)
}

// BoostSalience applies the read-path rehearsal reward to a chat.
func (h *Host) BoostSalience(ctx context.Context, chatID string) bool {
	if err := h.engine.store.BoostSalience(ctx, chatID); err != nil {
		h.log.Warn("boost salience failed", zap.String("chat_id", chatID), zap.Error(err))
		return false
	}
	return true
}

// TrackChatView refreshes access tracking without the salience bump.
func (h *Host) TrackChatView(ctx context.Context, chatID string) bool {
	if err := h.engine.store.TrackView(ctx, chatID); err != nil {
		h.log.Warn("track view failed", zap.String("chat_id", chatID), zap.Error(err))
		return false
	}
	return true
}

// UpdateMemoryType reclassifies a chat.
func (h *Host) UpdateMemoryType(ctx context.Context, chatID string, t MemoryType) bool {
	if err := h.engine.store.UpdateMemoryType(ctx, chatID, t); err != nil {
		h.log.Warn("update memory type failed", zap.String("chat_id", chatID), zap.Error(err))
		return false
	}
	return true
}

// AddLink records a manual edge between two items.
func (h *Host) AddLink(ctx context.Context, from, to, linkType string) bool {
	if err := h.engine.store.AddLink(ctx, from, to, linkType); err != nil {
		h.log.Warn("add link failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
		return false
	}
	return true
}

// RemoveLink deletes an edge in either direction.
func (h *Host) RemoveLink(ctx context.Context, from, to string) bool {
	if err := h.engine.store.RemoveLink(ctx, from, to); err != nil {
		h.log.Warn("remove link failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
		return false
	}
	return true
}

// LoadLinks returns all link edges.
func (h *Host) LoadLinks(ctx context.Context) ([]Link, error) {
	return h.engine.store.LoadLinks(ctx)
}

// DecayMetrics is the payload returned by GetDecayMetrics.
type DecayMetrics struct {
	ServiceMetrics ServiceMetrics   `json:"service_metrics"`
	RecentRuns     []DecayRunMetric `json:"recent_runs"`
}

// GetDecayMetrics returns the scheduler's in-memory state plus the recent
// persisted run metrics.
func (h *Host) GetDecayMetrics(ctx context.Context) (DecayMetrics, error) {
	runs, err := h.engine.store.RecentDecayMetrics(ctx, 50)
	if err != nil {
		return DecayMetrics{}, err
	}
	return DecayMetrics{
		ServiceMetrics: h.engine.scheduler.Metrics(),
		RecentRuns:     runs,
	}, nil
}

// CycleOutcome reports a manually triggered decay cycle.
type CycleOutcome struct {
	Success bool         `json:"success"`
	Result  *CycleResult `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// TriggerDecayCycle runs one decay cycle on demand. A cycle already in
// flight reports failure rather than waiting.
func (h *Host) TriggerDecayCycle(ctx context.Context) CycleOutcome {
	res, err := h.engine.scheduler.RunCycle(ctx)
	if err != nil {
		return CycleOutcome{Success: false, Error: err.Error()}
	}
	return CycleOutcome{Success: true, Result: &res}
}
