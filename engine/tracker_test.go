package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxharbor/voxharbor/chatnet"
	"github.com/voxharbor/voxharbor/store"
)

func TestResampleInterval(t *testing.T) {
	cases := []struct {
		age  time.Duration
		want time.Duration
	}{
		{30 * time.Minute, 60 * time.Second},
		{59 * time.Minute, 60 * time.Second},
		{2 * time.Hour, 120 * time.Second},
		{12 * time.Hour, 10 * time.Minute},
		{48 * time.Hour, time.Hour},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, resampleInterval(tc.age), "age %s", tc.age)
	}
}

type trackerFixture struct {
	st      *fakeStorage
	client  *fakeClient
	batcher *Batcher
	tracker *Tracker
	now     time.Time
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	records := sessionRecords(1)
	channel := chatnet.Chat{ID: -300, Title: "News", Type: chatnet.TypeChannel}

	st := &fakeStorage{
		sessions:  records,
		ranges:    map[int64]store.CommentRange{},
		snapshots: map[int64]store.Post{},
	}
	dialer, clients := dialerFor(records)
	clients["alpha"].addChat(&channel)

	p := testProfile()
	p.ActiveSessionsCount = 1
	pool, err := NewPool(context.Background(), st, dialer, p, testLogger())
	require.NoError(t, err)

	batcher := NewBatcher(st, testLogger())
	router := NewRouter(NewRegistry(st, pool, 0, testLogger()), batcher, p, testLogger())
	tracker := NewTracker(st, pool, router, batcher, 0, testLogger())

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	return &trackerFixture{st: st, client: clients["alpha"], batcher: batcher, tracker: tracker, now: now}
}

func TestTrackerResamplesDuePosts(t *testing.T) {
	f := newTrackerFixture(t)
	postDate := f.now.Add(-30 * time.Minute) // young post, 60 s interval

	f.st.recent = []store.NewPost{
		{ID: 1, ChannelID: -300, PostDate: postDate, SessionIndex: 0, Shard: 0},
	}
	f.st.snapshots[1] = store.Post{ID: 1, PointDate: f.now.Add(-2 * time.Minute)}
	f.client.addMessage(&chatnet.Message{
		ID:    1,
		Chat:  &chatnet.Chat{ID: -300, Type: chatnet.TypeChannel},
		Date:  postDate,
		Views: 75,
	})

	require.NoError(t, f.tracker.Pass(context.Background()))

	require.Len(t, f.batcher.posts, 1)
	snap := f.batcher.posts[0]
	assert.Equal(t, int64(1), snap.ID)
	assert.Equal(t, f.now, snap.PointDate)
	assert.Equal(t, int64(75), snap.Data["@views"])
	assert.Equal(t, f.now, f.tracker.lastPoint[1])
}

func TestTrackerSkipsFreshPosts(t *testing.T) {
	f := newTrackerFixture(t)
	postDate := f.now.Add(-30 * time.Minute)

	f.st.recent = []store.NewPost{
		{ID: 2, ChannelID: -300, PostDate: postDate, SessionIndex: 0, Shard: 0},
	}
	f.st.snapshots[2] = store.Post{ID: 2, PointDate: f.now.Add(-30 * time.Second)}

	require.NoError(t, f.tracker.Pass(context.Background()))
	assert.Empty(t, f.batcher.posts)
}

func TestTrackerSuppressesDeletedPosts(t *testing.T) {
	f := newTrackerFixture(t)
	postDate := f.now.Add(-2 * time.Hour)

	f.st.recent = []store.NewPost{
		{ID: 3, ChannelID: -300, PostDate: postDate, SessionIndex: 0, Shard: 0},
	}
	f.st.snapshots[3] = store.Post{ID: 3, PointDate: f.now.Add(-time.Hour)}
	// No message 3 in the client: the post is gone.

	require.NoError(t, f.tracker.Pass(context.Background()))
	assert.Empty(t, f.batcher.posts)
	assert.Equal(t, f.now, f.tracker.lastPoint[3])

	// The bumped point keeps it quiet on the next pass.
	require.NoError(t, f.tracker.Pass(context.Background()))
	assert.Empty(t, f.batcher.posts)
}

func TestTrackerSkipsPostsWithoutSnapshots(t *testing.T) {
	f := newTrackerFixture(t)
	f.st.recent = []store.NewPost{
		{ID: 4, ChannelID: -300, PostDate: f.now.Add(-time.Hour), SessionIndex: 0, Shard: 0},
	}

	require.NoError(t, f.tracker.Pass(context.Background()))
	assert.Empty(t, f.batcher.posts)
	_, tracked := f.tracker.lastPoint[4]
	assert.False(t, tracked)
}

func TestTrackerForgetsPostsOutsideWindow(t *testing.T) {
	f := newTrackerFixture(t)
	f.tracker.lastPoint[99] = f.now.Add(-time.Hour)

	f.st.recent = nil
	require.NoError(t, f.tracker.Pass(context.Background()))
	assert.Empty(t, f.tracker.lastPoint)
}
