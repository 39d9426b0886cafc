package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/voxharbor/voxharbor/internal/metrics"
	"github.com/voxharbor/voxharbor/store"
)

const (
	trackerInterval = 30 * time.Second
	trackerWindow   = 3 * 24 * time.Hour
)

// PostSource reads recently observed posts and their latest snapshots.
type PostSource interface {
	RecentPosts(ctx context.Context, shard int, window time.Duration) ([]store.NewPost, error)
	LatestPostSnapshot(ctx context.Context, id int64) (store.Post, error)
}

// Tracker resamples reactions of recent channel posts at a decaying
// interval, so young posts are observed densely and old ones sparsely.
type Tracker struct {
	shard   int
	storage PostSource
	pool    *Pool
	router  *Router
	batcher *Batcher
	log     *slog.Logger

	// lastPoint holds the latest snapshot time per post id, lazily seeded
	// from the store. Single-goroutine access from the tracker loop.
	lastPoint map[int64]time.Time

	now func() time.Time // overridable in tests
}

// NewTracker builds the resampling loop for this shard.
func NewTracker(storage PostSource, pool *Pool, router *Router, batcher *Batcher, shard int, log *slog.Logger) *Tracker {
	return &Tracker{
		shard:     shard,
		storage:   storage,
		pool:      pool,
		router:    router,
		batcher:   batcher,
		log:       log.With("component", "tracker"),
		lastPoint: make(map[int64]time.Time),
		now:       time.Now,
	}
}

// resampleInterval maps a post's age to the time between snapshots.
func resampleInterval(age time.Duration) time.Duration {
	switch {
	case age < time.Hour:
		return 60 * time.Second
	case age < 4*time.Hour:
		return 120 * time.Second
	case age < 24*time.Hour:
		return 10 * time.Minute
	default:
		return time.Hour
	}
}

// Pass resamples every due post once.
func (t *Tracker) Pass(ctx context.Context) error {
	posts, err := t.storage.RecentPosts(ctx, t.shard, trackerWindow)
	if err != nil {
		return errors.Wrap(err, "read recent posts")
	}
	now := t.now().UTC()

	seen := make(map[int64]struct{}, len(posts))
	for _, post := range posts {
		seen[post.ID] = struct{}{}

		last, known := t.lastPoint[post.ID]
		if !known {
			snap, err := t.storage.LatestPostSnapshot(ctx, post.ID)
			if err != nil {
				// The observation batch may not have landed yet; retry
				// on a later pass.
				t.log.Warn("no snapshot for tracked post", "post_id", post.ID, "err", err)
				continue
			}
			last = snap.PointDate
			t.lastPoint[post.ID] = last
		}

		if now.Sub(last) <= resampleInterval(now.Sub(post.PostDate)) {
			continue
		}
		t.resample(ctx, post, now)
	}

	// Posts that aged out of the window stop being tracked.
	for id := range t.lastPoint {
		if _, ok := seen[id]; !ok {
			delete(t.lastPoint, id)
		}
	}
	metrics.TrackedPosts.Set(float64(len(t.lastPoint)))
	return nil
}

func (t *Tracker) resample(ctx context.Context, post store.NewPost, now time.Time) {
	sess, err := t.pool.Session(int(post.SessionIndex))
	if err != nil {
		t.log.Warn("post names unknown session", "post_id", post.ID, "session", post.SessionIndex)
		return
	}
	msgs, err := sess.RefreshMessages(ctx, post.ChannelID, []int64{post.ID})
	if err != nil {
		t.log.Warn("post refetch failed", "post_id", post.ID, "channel_id", post.ChannelID, "err", err)
		return
	}
	if len(msgs) == 0 || msgs[0] == nil {
		// Deleted post; bump the point so it is not refetched every pass.
		t.lastPoint[post.ID] = now
		return
	}

	data, ok := t.router.collectPostData(ctx, sess, msgs[0])
	if !ok {
		t.lastPoint[post.ID] = now
		return
	}
	t.batcher.AddPost(PostSnapshot{
		ID:           post.ID,
		ChannelID:    post.ChannelID,
		PostDate:     post.PostDate,
		PointDate:    now,
		Data:         data,
		SessionIndex: post.SessionIndex,
		Shard:        int32(t.shard),
	})
	t.lastPoint[post.ID] = now
}

// Run resamples until ctx is cancelled; pass errors are logged, never fatal.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(trackerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Pass(ctx); err != nil {
				t.log.Error("tracker pass failed", "err", err)
			}
		}
	}
}
