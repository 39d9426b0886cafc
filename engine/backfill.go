package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/voxharbor/voxharbor/internal/metrics"
	"github.com/voxharbor/voxharbor/store"
)

const (
	historyStepTimeout = 60 * time.Second
	historyMaxRetries  = 10
	historyDelta       = 3
	historyPageLimit   = 100

	taskManagerIdleSleep = 10 * time.Second
)

// HistoryTask walks one chat's messages from start down to end, feeding each
// page through the router as if it had arrived live. A zero start means
// "newest"; the real start id is latched from the first page.
type HistoryTask struct {
	chatID int64
	start  int64
	end    int64
	sess   *Session
	router *Router
	log    *slog.Logger

	current  int64
	count    int
	retries  int
	finished bool
	failed   bool
}

// NewHistoryTask builds a task walking [end, start] descending.
func NewHistoryTask(sess *Session, router *Router, chatID, start, end int64, log *slog.Logger) *HistoryTask {
	return &HistoryTask{
		chatID:  chatID,
		start:   start,
		end:     end,
		sess:    sess,
		router:  router,
		log:     log.With("component", "backfill", "chat_id", chatID, "start", start, "end", end),
		current: start,
	}
}

// ID identifies the task; at most one live task per identity.
func (t *HistoryTask) ID() string {
	return fmt.Sprintf("%d_%d_%d", t.chatID, t.start, t.end)
}

// Done reports whether the task finished or failed.
func (t *HistoryTask) Done() bool { return t.finished || t.failed }

// Failed reports whether the retry budget was exhausted.
func (t *HistoryTask) Failed() bool { return t.failed }

// Progress is the walked fraction of the range, in [0, 1].
func (t *HistoryTask) Progress() float64 {
	if t.finished {
		return 1
	}
	span := t.start - t.end
	if span <= 0 {
		return 0
	}
	p := float64(t.start-t.current) / float64(span)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Step fetches and routes one page. Transient failures consume the retry
// budget; exceeding it marks the task failed.
func (t *HistoryTask) Step(ctx context.Context) {
	if t.Done() {
		return
	}

	stepCtx, cancel := context.WithTimeout(ctx, historyStepTimeout)
	msgs, err := t.sess.History(stepCtx, t.chatID, t.current, t.end, historyPageLimit)
	cancel()
	if err != nil {
		t.retries++
		metrics.BackfillFailures.Inc()
		if t.retries >= historyMaxRetries {
			t.failed = true
			t.log.Error("task failed, retry budget exhausted", "retries", t.retries, "err", err)
			return
		}
		t.log.Warn("history step failed", "retries", t.retries, "err", err)
		return
	}
	metrics.BackfillSteps.Inc()

	if len(msgs) == 0 {
		t.finished = true
		t.log.Info("task finished, range exhausted", "count", t.count)
		return
	}
	if t.start == 0 {
		// Started from the newest message; latch the real upper bound.
		t.start = msgs[0].ID
	}
	for _, msg := range msgs {
		t.router.Process(ctx, t.sess, msg)
		t.count++
	}
	t.current = msgs[len(msgs)-1].ID

	if t.current-t.end < historyDelta {
		t.finished = true
		t.log.Info("task finished", "count", t.count)
	}
}

// RangeSource reads observed message-id bounds per chat.
type RangeSource interface {
	CommentRange(ctx context.Context, chatID int64) (store.CommentRange, error)
}

// TaskManager advances all live history tasks, one step each per iteration,
// and reaps the done ones.
type TaskManager struct {
	storage RangeSource
	router  *Router
	log     *slog.Logger

	mu    sync.Mutex
	tasks map[string]*HistoryTask
}

// NewTaskManager builds an empty task table.
func NewTaskManager(storage RangeSource, router *Router, log *slog.Logger) *TaskManager {
	return &TaskManager{
		storage: storage,
		router:  router,
		log:     log.With("component", "backfill"),
		tasks:   make(map[string]*HistoryTask),
	}
}

// Schedule adds a task unless one with the same identity is already live.
func (m *TaskManager) Schedule(t *HistoryTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.tasks[t.ID()]; live {
		return
	}
	m.tasks[t.ID()] = t
}

// ScheduleChat schedules the forward arm for a chat, and when fromEarliest
// is set and bounds are known, the historical arm as well.
func (m *TaskManager) ScheduleChat(ctx context.Context, sess *Session, chatID int64, fromEarliest bool) {
	rng, err := m.storage.CommentRange(ctx, chatID)
	if err != nil && !errors.Is(err, store.ErrNoRows) {
		m.log.Warn("comment range read failed", "chat_id", chatID, "err", err)
		return
	}

	m.Schedule(NewHistoryTask(sess, m.router, chatID, 0, rng.MaxMessageID, m.log))
	if fromEarliest && rng.MinMessageID > 0 {
		m.Schedule(NewHistoryTask(sess, m.router, chatID, rng.MinMessageID, 0, m.log))
	}
}

// Size returns the number of live tasks.
func (m *TaskManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// RunOnce advances every live task one step concurrently, then reaps the
// done ones. Returns the number of tasks stepped.
func (m *TaskManager) RunOnce(ctx context.Context) int {
	m.mu.Lock()
	live := make([]*HistoryTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		live = append(live, t)
	}
	m.mu.Unlock()
	if len(live) == 0 {
		return 0
	}

	var g errgroup.Group
	for _, t := range live {
		t := t
		g.Go(func() error {
			t.Step(ctx)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for id, t := range m.tasks {
		if t.Done() {
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()
	return len(live)
}

// Run advances tasks until ctx is cancelled, sleeping while the table is
// empty.
func (m *TaskManager) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if m.RunOnce(ctx) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(taskManagerIdleSleep):
			}
		}
	}
}
