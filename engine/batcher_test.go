package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxharbor/voxharbor/store"
)

func TestBatcherFlushesConcurrentAddsExactlyOnce(t *testing.T) {
	st := &fakeStorage{}
	b := NewBatcher(st, testLogger())

	const workers, perWorker = 10, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				b.AddComment(
					store.Comment{UserID: int64(w*perWorker + i), ChatID: 1, MessageID: int64(i)},
					store.User{UserID: int64(w*perWorker + i)},
				)
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, b.Flush(context.Background()))
	assert.Len(t, st.comments, workers*perWorker)
	assert.Len(t, st.users, workers*perWorker)

	comments, users, discovered, posts := b.Pending()
	assert.Zero(t, comments+users+discovered+posts)

	// A second flush with nothing queued inserts nothing.
	calls := st.insertCalls
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, calls, st.insertCalls)
}

func TestBatcherDropsBatchOnFailedFlush(t *testing.T) {
	st := &fakeStorage{insertErr: errors.New("insert refused")}
	b := NewBatcher(st, testLogger())

	b.AddComment(store.Comment{UserID: 1, ChatID: 1, MessageID: 1}, store.User{UserID: 1})
	require.Error(t, b.Flush(context.Background()))

	st.mu.Lock()
	st.insertErr = nil
	st.mu.Unlock()

	require.NoError(t, b.Flush(context.Background()))
	assert.Empty(t, st.comments)
}

func TestBatcherFlattensPostData(t *testing.T) {
	st := &fakeStorage{}
	b := NewBatcher(st, testLogger())

	when := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	b.AddPost(PostSnapshot{
		ID:        9,
		ChannelID: -100,
		PostDate:  when,
		PointDate: when.Add(time.Minute),
		Data: map[string]int64{
			"@views":       150,
			"@option_Yes":  12,
			"\U0001F44D":   30,
		},
		SessionIndex: 2,
		Shard:        1,
	})
	require.NoError(t, b.Flush(context.Background()))

	require.Len(t, st.posts, 1)
	post := st.posts[0]
	assert.Equal(t, []string{"@option_Yes", "@views", "\U0001F44D"}, post.Keys)
	assert.Equal(t, []int64{12, 150, 30}, post.Values)
	assert.Equal(t, int32(2), post.SessionIndex)
	assert.Equal(t, int32(1), post.Shard)
}

func TestBatcherSkipsEmptyGroups(t *testing.T) {
	st := &fakeStorage{}
	b := NewBatcher(st, testLogger())

	b.AddDiscoveredChat(store.DiscoveredChat{ID: 1, Name: "x", Sign: 1})
	require.NoError(t, b.Flush(context.Background()))

	// Only the discovered_chats group was inserted.
	assert.Equal(t, 1, st.insertCalls)
	assert.Len(t, st.discovered, 1)
}
