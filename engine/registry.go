package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/voxharbor/voxharbor/chatnet"
	"github.com/voxharbor/voxharbor/internal/metrics"
	"github.com/voxharbor/voxharbor/store"
)

const reconcileInterval = 60 * time.Second

// ChatSource reads and writes the authoritative chat table.
type ChatSource interface {
	Chats(ctx context.Context) ([]store.Chat, error)
	InsertChats(ctx context.Context, rows []store.Chat) error
	LatestChatUpdate(ctx context.Context, shard int) (store.ChatUpdate, error)
}

// backfillScheduler kicks off history tasks for a chat. Implemented by the
// TaskManager; bound after construction to break the cycle.
type backfillScheduler interface {
	ScheduleChat(ctx context.Context, sess *Session, chatID int64, fromEarliest bool)
}

// Registry holds the in-memory chat ownership map and drives the periodic
// reconciliation of session subscriptions against it.
type Registry struct {
	shard   int
	storage ChatSource
	pool    *Pool
	log     *slog.Logger

	mu    sync.Mutex
	chats map[int64]store.Chat

	backfill backfillScheduler
}

// NewRegistry builds an empty registry; call Update to load the chat table.
func NewRegistry(storage ChatSource, pool *Pool, shard int, log *slog.Logger) *Registry {
	return &Registry{
		shard:   shard,
		storage: storage,
		pool:    pool,
		log:     log.With("component", "registry"),
		chats:   make(map[int64]store.Chat),
	}
}

// BindBackfill wires the history scheduler in after construction.
func (r *Registry) BindBackfill(b backfillScheduler) { r.backfill = b }

// Chat looks up a chat record by id.
func (r *Registry) Chat(id int64) (store.Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.chats[id]
	return rec, ok
}

// Size returns the number of known chats.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

// Update runs one reconciliation pass: reload the chat table, leave chats
// owned elsewhere, join owned chats the designated session is missing.
// Per-chat errors are logged and do not abort the pass.
func (r *Registry) Update(ctx context.Context) error {
	rows, err := r.storage.Chats(ctx)
	if err != nil {
		return errors.Wrap(err, "reload chats")
	}
	chats := make(map[int64]store.Chat, len(rows))
	for _, rec := range rows {
		chats[rec.ID] = rec
	}
	r.mu.Lock()
	r.chats = chats
	r.mu.Unlock()

	joins, leaves := 0, 0
	for _, sess := range r.pool.Sessions() {
		subscribed, err := sess.SubscribedChats(ctx)
		if err != nil {
			r.log.Warn("dialog load failed", "session", sess.Index(), "err", err)
			continue
		}
		for chatID := range subscribed {
			rec, known := chats[chatID]
			if !known || rec.Type == store.ChatTypePrivate {
				continue
			}
			if int(rec.Shard) == r.shard && int(rec.SessionIndex) == sess.Index() {
				continue
			}
			if err := sess.Leave(ctx, chatID); err != nil {
				r.log.Warn("leave failed", "session", sess.Index(), "chat_id", chatID, "err", err)
				continue
			}
			leaves++
			metrics.ChatLeaves.Inc()
		}
	}

	for _, rec := range chats {
		if int(rec.Shard) != r.shard || rec.Type == store.ChatTypePrivate {
			continue
		}
		sess, err := r.pool.Session(int(rec.SessionIndex))
		if err != nil {
			r.log.Warn("chat names unknown session", "chat_id", rec.ID, "session", rec.SessionIndex)
			continue
		}
		subscribed, err := sess.IsSubscribed(ctx, rec.ID)
		if err != nil {
			r.log.Warn("dialog load failed", "session", sess.Index(), "err", err)
			continue
		}
		if subscribed {
			continue
		}
		if rec.JoinString != "" {
			_, err = sess.Discover(ctx, rec.JoinString, DiscoverOpts{
				SkipOwnershipCheck: true,
				IgnoreProtection:   true,
			})
		} else {
			_, err = sess.Join(ctx, chatnet.Ref{ID: rec.ID})
		}
		if err != nil {
			r.log.Warn("rejoin failed", "session", sess.Index(), "chat_id", rec.ID, "err", err)
			continue
		}
		joins++
		metrics.ChatJoins.Inc()
	}

	r.log.Info("reconciliation pass done", "chats", len(chats), "joins", joins, "leaves", leaves)
	return nil
}

// Run reconciles every minute until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Update(ctx); err != nil {
				r.log.Error("reconciliation pass failed", "err", err)
			}
		}
	}
}

// LatestChange reads the newest chat_updates row for this shard. Advisory
// only; the unconditional pass stays authoritative.
func (r *Registry) LatestChange(ctx context.Context) (time.Time, error) {
	upd, err := r.storage.LatestChatUpdate(ctx, r.shard)
	if err != nil {
		return time.Time{}, err
	}
	return upd.Added, nil
}

// RegisterNewChat records a chat the fleet has not seen before: persists the
// authoritative row, updates the in-memory map and schedules the forward
// backfill arm.
func (r *Registry) RegisterNewChat(ctx context.Context, sess *Session, chat *chatnet.Chat, joinString string) error {
	if chat == nil {
		return errors.New("register nil chat")
	}
	if joinString == "" {
		joinString = chat.JoinString()
	}

	name := chat.DisplayName()
	if chat.Username != "" {
		name = fmt.Sprintf("%s (%s)", name, chat.Username)
	}
	rec := store.Chat{
		ID:           chat.ID,
		Name:         name,
		JoinString:   joinString,
		Shard:        int32(r.shard),
		SessionIndex: int32(sess.Index()),
		Added:        time.Now().UTC(),
		Type:         string(chat.Type),
	}
	if err := r.storage.InsertChats(ctx, []store.Chat{rec}); err != nil {
		return errors.Wrapf(err, "insert chat %d", chat.ID)
	}

	r.mu.Lock()
	r.chats[chat.ID] = rec
	r.mu.Unlock()
	r.log.Info("registered new chat", "chat_id", chat.ID, "name", name, "session", sess.Index())

	if r.backfill != nil && chat.Type != chatnet.TypePrivate {
		r.backfill.ScheduleChat(ctx, sess, chat.ID, false)
	}
	return nil
}

// ReconcileOwnership is called after a session enters a chat through
// discovery. Unknown chats become owned by that session; chats owned
// elsewhere are backed out of.
func (r *Registry) ReconcileOwnership(ctx context.Context, sess *Session, chat *chatnet.Chat, joinString string) error {
	existing, known := r.Chat(chat.ID)
	if !known {
		return r.RegisterNewChat(ctx, sess, chat, joinString)
	}
	if int(existing.Shard) == r.shard && int(existing.SessionIndex) == sess.Index() {
		return nil
	}
	if err := sess.Leave(ctx, chat.ID); err != nil {
		r.log.Warn("back-out leave failed", "session", sess.Index(), "chat_id", chat.ID, "err", err)
	}
	return errors.Errorf("chat %d is owned by shard %d session %d",
		chat.ID, existing.Shard, existing.SessionIndex)
}
