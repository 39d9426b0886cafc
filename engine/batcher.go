package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voxharbor/voxharbor/internal/metrics"
	"github.com/voxharbor/voxharbor/store"
)

const flushInterval = 10 * time.Second

// BatchSink accepts the batcher's four insert groups.
type BatchSink interface {
	InsertComments(ctx context.Context, rows []store.Comment) error
	InsertUsers(ctx context.Context, rows []store.User) error
	InsertDiscoveredChats(ctx context.Context, rows []store.DiscoveredChat) error
	InsertPosts(ctx context.Context, rows []store.Post) error
}

// PostSnapshot is a post observation before flattening: Data maps counter
// keys ("@views", emoji, "@option_<label>") to values.
type PostSnapshot struct {
	ID           int64
	ChannelID    int64
	PostDate     time.Time
	PointDate    time.Time
	Data         map[string]int64
	SessionIndex int32
	Shard        int32
}

// row flattens the data map into the parallel key/value columns; keys are
// sorted so rows are deterministic.
func (p PostSnapshot) row() store.Post {
	keys := make([]string, 0, len(p.Data))
	for k := range p.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]int64, len(keys))
	for i, k := range keys {
		values[i] = p.Data[k]
	}
	return store.Post{
		ID:           p.ID,
		ChannelID:    p.ChannelID,
		PostDate:     p.PostDate,
		PointDate:    p.PointDate,
		Keys:         keys,
		Values:       values,
		SessionIndex: p.SessionIndex,
		Shard:        p.Shard,
	}
}

// Batcher accumulates observation events and flushes them to the store every
// ten seconds. A failed flush drops its batch; duplicates are deduplicated
// at query time, losses are tolerated.
type Batcher struct {
	sink BatchSink
	log  *slog.Logger

	mu         sync.Mutex
	comments   []store.Comment
	users      []store.User
	discovered []store.DiscoveredChat
	posts      []PostSnapshot
}

// NewBatcher builds a batcher over the given sink.
func NewBatcher(sink BatchSink, log *slog.Logger) *Batcher {
	return &Batcher{sink: sink, log: log.With("component", "batcher")}
}

// AddComment queues a comment with its author observation.
func (b *Batcher) AddComment(c store.Comment, u store.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.comments = append(b.comments, c)
	b.users = append(b.users, u)
}

// AddDiscoveredChat queues a discovery ledger row.
func (b *Batcher) AddDiscoveredChat(d store.DiscoveredChat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discovered = append(b.discovered, d)
}

// AddPost queues a post snapshot.
func (b *Batcher) AddPost(p PostSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posts = append(b.posts, p)
}

// Pending returns the queued counts (comments, users, discovered, posts).
func (b *Batcher) Pending() (int, int, int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.comments), len(b.users), len(b.discovered), len(b.posts)
}

// Flush snapshots and clears all accumulators under the lock, then inserts
// each non-empty group. The first insert error is returned after all groups
// were attempted.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	comments, users, discovered, posts := b.comments, b.users, b.discovered, b.posts
	b.comments, b.users, b.discovered, b.posts = nil, nil, nil, nil
	b.mu.Unlock()

	if len(comments) == 0 && len(users) == 0 && len(discovered) == 0 && len(posts) == 0 {
		return nil
	}
	metrics.FlushTotal.Inc()

	var firstErr error
	fail := func(group string, err error) {
		b.log.Error("flush insert failed", "group", group, "err", err)
		metrics.FlushErrors.Inc()
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(comments) > 0 {
		if err := b.sink.InsertComments(ctx, comments); err != nil {
			fail("comments", err)
		} else {
			metrics.CommentsIngested.Add(float64(len(comments)))
		}
	}
	if len(users) > 0 {
		if err := b.sink.InsertUsers(ctx, users); err != nil {
			fail("users", err)
		}
	}
	if len(discovered) > 0 {
		if err := b.sink.InsertDiscoveredChats(ctx, discovered); err != nil {
			fail("discovered_chats", err)
		}
	}
	if len(posts) > 0 {
		rows := make([]store.Post, len(posts))
		for i, p := range posts {
			rows[i] = p.row()
		}
		if err := b.sink.InsertPosts(ctx, rows); err != nil {
			fail("posts", err)
		} else {
			metrics.PostsIngested.Add(float64(len(rows)))
		}
	}
	return firstErr
}

// Run flushes on a fixed cadence until ctx is cancelled, then flushes one
// last time.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := b.Flush(context.Background()); err != nil {
				b.log.Error("final flush failed", "err", err)
			}
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				b.log.Error("flush failed", "err", err)
			}
		}
	}
}
