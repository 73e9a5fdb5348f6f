// Package chronicle is the memory persistence and consolidation engine
// behind the conversation archive: a Postgres+pgvector store for chats,
// notes, facts, and links; a biologically motivated salience decay model;
// and the periodic scheduler that applies it.
//
// Presentation layers and MCP hosts talk to the engine through the Host
// bindings and the Store; the decay scheduler runs independently in the
// background.
package chronicle

import (
	"context"

	"go.uber.org/zap"
)

// Engine bundles the store and the decay scheduler under one lifecycle:
// init, serve, stop.
type Engine struct {
	store     *Store
	scheduler *Scheduler
	config    Config
	log       *zap.Logger
}

// Init opens the database (with connection retry), runs migrations, and
// starts the decay scheduler. The caller must Close the engine.
func Init(ctx context.Context, cfg Config, logger *zap.Logger) (*Engine, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := NewStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:     store,
		scheduler: NewScheduler(store, cfg, logger),
		config:    cfg,
		log:       logger,
	}
	e.scheduler.Start(ctx)

	if stats, err := store.Stats(ctx); err == nil {
		logger.Info("chronicle initialized",
			zap.Int64("items", stats.Items),
			zap.Int64("embedded_items", stats.EmbeddedItems),
			zap.Int64("live_facts", stats.LiveFacts),
			zap.Int64("links", stats.Links),
			zap.Duration("decay_interval", cfg.DecayInterval))
	}
	return e, nil
}

// Store exposes the storage layer.
func (e *Engine) Store() *Store {
	return e.store
}

// Scheduler exposes the decay scheduler.
func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// Close stops the scheduler (waiting for any in-flight cycle) and releases
// the connection pool.
func (e *Engine) Close() {
	e.scheduler.Stop()
	e.store.Close()
}
