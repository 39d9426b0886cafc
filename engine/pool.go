package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/voxharbor/voxharbor/chatnet"
	"github.com/voxharbor/voxharbor/internal/cache"
	"github.com/voxharbor/voxharbor/internal/profile"
	"github.com/voxharbor/voxharbor/store"
)

const (
	discoverCacheTTL = 60 * time.Second
	discoverCacheCap = 500
)

// SessionSource loads session descriptors and the broken-id set.
type SessionSource interface {
	Sessions(ctx context.Context, table string, shard int) ([]store.Session, error)
	BrokenSessions(ctx context.Context) (map[int64]struct{}, error)
}

// PushHandler receives every pushed message together with the session that
// observed it.
type PushHandler func(ctx context.Context, sess *Session, msg *chatnet.Message)

// Pool holds the shard's active sessions and routes discoveries across them
// by load.
type Pool struct {
	shard   int
	profile *profile.Profile
	log     *slog.Logger

	sessions []*Session

	// discoverMu serialises the TTL check-and-insert so concurrent
	// discoveries of the same handle collapse to one join.
	discoverMu        sync.Mutex
	recentDiscoveries *cache.TTL[string, struct{}]
}

// NewPool loads the shard's session records, filters broken ids, dials the
// first N survivors and wraps them. Construction fails when fewer than N
// healthy sessions remain.
func NewPool(ctx context.Context, src SessionSource, dialer chatnet.Dialer, p *profile.Profile, log *slog.Logger) (*Pool, error) {
	table, err := p.Mode.SessionTable()
	if err != nil {
		return nil, err
	}
	records, err := src.Sessions(ctx, table, p.ShardNum)
	if err != nil {
		return nil, errors.Wrap(err, "load sessions")
	}
	broken, err := src.BrokenSessions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load broken sessions")
	}

	var active []store.Session
	for _, rec := range records {
		if _, bad := broken[rec.ID]; bad {
			log.Warn("skipping broken session", "id", rec.ID, "name", rec.Name)
			continue
		}
		active = append(active, rec)
		if len(active) == p.ActiveSessionsCount {
			break
		}
	}
	if len(active) < p.ActiveSessionsCount {
		return nil, errors.Errorf("shard %d: need %d sessions, only %d healthy",
			p.ShardNum, p.ActiveSessionsCount, len(active))
	}

	pool := &Pool{
		shard:             p.ShardNum,
		profile:           p,
		log:               log.With("component", "pool"),
		recentDiscoveries: cache.New[string, struct{}](discoverCacheTTL, discoverCacheCap),
	}
	for i, rec := range active {
		client, err := dialer.Dial(ctx, rec.Name, rec.SessionString)
		if err != nil {
			return nil, errors.Wrapf(err, "dial session %d (%s)", rec.ID, rec.Name)
		}
		pool.sessions = append(pool.sessions, NewSession(i, rec, client, p, log))
	}
	return pool, nil
}

// Sessions returns the active sessions in index order.
func (p *Pool) Sessions() []*Session { return p.sessions }

// Session returns the session at the given index.
func (p *Pool) Session(index int) (*Session, error) {
	if index < 0 || index >= len(p.sessions) {
		return nil, errors.Errorf("no session with index %d on shard %d", index, p.shard)
	}
	return p.sessions[index], nil
}

// BindRegistry wires ownership reconciliation into every session. Called
// once during engine assembly; breaks the session/registry construction
// cycle.
func (p *Pool) BindRegistry(r OwnershipReconciler) {
	for _, sess := range p.sessions {
		sess.bindReconciler(r)
	}
}

// RegisterPushHandler points every session's push stream at the handler,
// priming the message LRU on the way through.
func (p *Pool) RegisterPushHandler(h PushHandler) {
	for _, sess := range p.sessions {
		sess := sess
		sess.client.OnMessage(func(ctx context.Context, msg *chatnet.Message) {
			sess.cacheMessage(msg)
			h(ctx, sess, msg)
		})
	}
}

// Start connects all sessions.
func (p *Pool) Start(ctx context.Context) error {
	for _, sess := range p.sessions {
		if err := sess.Start(ctx); err != nil {
			return err
		}
	}
	p.log.Info("sessions started", "count", len(p.sessions))
	return nil
}

// Stop disconnects all sessions; errors are logged, not returned.
func (p *Pool) Stop(ctx context.Context) {
	for _, sess := range p.sessions {
		if err := sess.Stop(ctx); err != nil {
			p.log.Warn("session stop failed", "session", sess.Index(), "err", err)
		}
	}
}

// KnownChatsCount sums the subscribed-set sizes across the shard.
func (p *Pool) KnownChatsCount(ctx context.Context) (int, error) {
	total := 0
	for _, sess := range p.sessions {
		count, err := sess.KnownChatsCount(ctx)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// DiscoverChat enters a chat through the least-loaded sessions. A repeat of
// the same join string inside the TTL window fails with ErrAlreadyJoined.
func (p *Pool) DiscoverChat(ctx context.Context, joinString string, ignoreProtection bool) (*chatnet.Chat, error) {
	p.discoverMu.Lock()
	ok := p.recentDiscoveries.Add(joinString, struct{}{})
	p.discoverMu.Unlock()
	if !ok {
		return nil, ErrAlreadyJoined
	}

	sess, err := p.pickSession(ctx)
	if err != nil {
		return nil, err
	}
	p.log.Info("discovering chat", "join_string", joinString, "session", sess.Index())
	return sess.Discover(ctx, joinString, DiscoverOpts{
		WithLinked:       true,
		IgnoreProtection: ignoreProtection,
	})
}

// pickSession draws a session with probability inversely proportional to its
// subscribed-set size, so lightly loaded sessions absorb new chats first.
func (p *Pool) pickSession(ctx context.Context) (*Session, error) {
	counts := make([]int, len(p.sessions))
	total := 0
	for i, sess := range p.sessions {
		count, err := sess.KnownChatsCount(ctx)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			count = 1
		}
		counts[i] = count
		total += count
	}

	weights := make([]float64, len(counts))
	sum := 0.0
	for i, own := range counts {
		weights[i] = float64(total) / float64(own)
		sum += weights[i]
	}
	target := rand.Float64() * sum
	for i, w := range weights {
		target -= w
		if target <= 0 {
			return p.sessions[i], nil
		}
	}
	return p.sessions[len(p.sessions)-1], nil
}

// Messages routes a batch fetch to the named session.
func (p *Pool) Messages(ctx context.Context, sessionIndex int, chatID int64, ids []int64) ([]*chatnet.Message, error) {
	sess, err := p.Session(sessionIndex)
	if err != nil {
		return nil, err
	}
	return sess.Messages(ctx, chatID, ids)
}
