// Package engine is the per-shard crawl orchestration: a pool of chat
// sessions, the chat ownership registry, batched ingestion, history backfill
// and post reaction tracking.
package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxharbor/voxharbor/chatnet"
	"github.com/voxharbor/voxharbor/internal/profile"
	"github.com/voxharbor/voxharbor/store"
)

// Storage is everything the engine needs from the store gateway. Satisfied
// by *store.Store; narrowed here so tests can fake it.
type Storage interface {
	SessionSource
	ChatSource
	BatchSink
	RangeSource
	PostSource
}

// Engine owns the crawl components of one shard and runs their loops.
type Engine struct {
	Profile  *profile.Profile
	Pool     *Pool
	Registry *Registry
	Batcher  *Batcher
	Router   *Router
	Tasks    *TaskManager
	Tracker  *Tracker

	log *slog.Logger
}

// New assembles the engine. The session/registry and registry/backfill
// cycles are dispatch-only and bound through setters after construction.
func New(ctx context.Context, storage Storage, dialer chatnet.Dialer, p *profile.Profile, log *slog.Logger) (*Engine, error) {
	pool, err := NewPool(ctx, storage, dialer, p, log)
	if err != nil {
		return nil, err
	}
	batcher := NewBatcher(storage, log)
	registry := NewRegistry(storage, pool, p.ShardNum, log)
	router := NewRouter(registry, batcher, p, log)
	tasks := NewTaskManager(storage, router, log)
	tracker := NewTracker(storage, pool, router, batcher, p.ShardNum, log)

	pool.BindRegistry(registry)
	registry.BindBackfill(tasks)
	pool.RegisterPushHandler(router.Process)

	return &Engine{
		Profile:  p,
		Pool:     pool,
		Registry: registry,
		Batcher:  batcher,
		Router:   router,
		Tasks:    tasks,
		Tracker:  tracker,
		log:      log.With("component", "engine", "shard", p.ShardNum),
	}, nil
}

// Start connects the sessions, loads the ownership map and schedules the
// bootstrap backfill arms for every subscribed chat.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Pool.Start(ctx); err != nil {
		return err
	}
	if err := e.Registry.Update(ctx); err != nil {
		return err
	}
	e.scheduleBootstrapBackfill(ctx)
	e.log.Info("engine started",
		"sessions", len(e.Pool.Sessions()), "chats", e.Registry.Size(), "backfill_tasks", e.Tasks.Size())
	return nil
}

// scheduleBootstrapBackfill walks every session's subscribed chats and
// schedules both arms: the modern gap and the historical backward fill.
func (e *Engine) scheduleBootstrapBackfill(ctx context.Context) {
	for _, sess := range e.Pool.Sessions() {
		subscribed, err := sess.SubscribedChats(ctx)
		if err != nil {
			e.log.Warn("bootstrap dialog load failed", "session", sess.Index(), "err", err)
			continue
		}
		for chatID, chat := range subscribed {
			if chat.Type == chatnet.TypePrivate || chat.Type == chatnet.TypeBot {
				continue
			}
			rec, known := e.Registry.Chat(chatID)
			if known && rec.Type == store.ChatTypePrivate {
				continue
			}
			e.Tasks.ScheduleChat(ctx, sess, chatID, true)
		}
	}
}

// Run drives all periodic loops until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { e.Registry.Run(ctx); return nil })
	g.Go(func() error { e.Batcher.Run(ctx); return nil })
	g.Go(func() error { e.Tasks.Run(ctx); return nil })
	g.Go(func() error { e.Tracker.Run(ctx); return nil })
	return g.Wait()
}

// Stop disconnects the sessions and flushes what is still queued.
func (e *Engine) Stop(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	e.Pool.Stop(stopCtx)
	if err := e.Batcher.Flush(stopCtx); err != nil {
		e.log.Error("shutdown flush failed", "err", err)
	}
	e.log.Info("engine stopped")
}
