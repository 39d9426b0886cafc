package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxharbor/voxharbor/engine"
	"github.com/voxharbor/voxharbor/internal/profile"
	"github.com/voxharbor/voxharbor/store"
)

var _ Directory = (*store.Store)(nil)

type fakeDir struct {
	users       map[int64][]store.User
	byPrefix    []store.User
	comments    map[int64][]store.Comment
	byMessage   map[[2]int64]store.Comment
	chats       map[string]store.Chat
	pending     []store.DiscoveredChat
	inserted    []store.DiscoveredChat
	brokenCalls []int64
}

func (d *fakeDir) UsersByIDs(_ context.Context, ids []int64) ([]store.User, error) {
	var out []store.User
	for _, id := range ids {
		out = append(out, d.users[id]...)
	}
	return out, nil
}

func (d *fakeDir) UsersByUsernamePrefix(context.Context, string, int) ([]store.User, error) {
	return d.byPrefix, nil
}

func (d *fakeDir) CommentsByUser(_ context.Context, userID int64) ([]store.Comment, error) {
	return d.comments[userID], nil
}

func (d *fakeDir) CommentByMessage(_ context.Context, chatID, messageID int64) (store.Comment, error) {
	cm, ok := d.byMessage[[2]int64{chatID, messageID}]
	if !ok {
		return store.Comment{}, store.ErrNoRows
	}
	return cm, nil
}

func (d *fakeDir) ChatByJoinString(_ context.Context, joinString string) (store.Chat, error) {
	chat, ok := d.chats[joinString]
	if !ok {
		return store.Chat{}, store.ErrNoRows
	}
	return chat, nil
}

func (d *fakeDir) RandomPendingDiscovery(context.Context) (store.DiscoveredChat, error) {
	if len(d.pending) == 0 {
		return store.DiscoveredChat{}, store.ErrNoRows
	}
	return d.pending[0], nil
}

func (d *fakeDir) InsertDiscoveredChats(_ context.Context, rows []store.DiscoveredChat) error {
	d.inserted = append(d.inserted, rows...)
	return nil
}

func (d *fakeDir) MarkSessionBroken(_ context.Context, id int64) error {
	d.brokenCalls = append(d.brokenCalls, id)
	return nil
}

type fakeShard struct {
	knownChats  int
	received    [][]store.Comment
	replies     []store.Message
	discovered  []string
	discoverErr error
	user        store.User
	userErr     error
	postText    store.PostText
	postErr     error
}

func (f *fakeShard) KnownChatsCount(context.Context) (int, error) { return f.knownChats, nil }

func (f *fakeShard) Messages(_ context.Context, comments []store.Comment) ([]store.Message, error) {
	f.received = append(f.received, comments)
	return f.replies, nil
}

func (f *fakeShard) Discover(_ context.Context, joinString string, _ bool) error {
	if f.discoverErr != nil {
		return f.discoverErr
	}
	f.discovered = append(f.discovered, joinString)
	return nil
}

func (f *fakeShard) UserFromComment(context.Context, int64, int64) (store.User, error) {
	return f.user, f.userErr
}

func (f *fakeShard) PostText(context.Context, int64, int64, int32) (store.PostText, error) {
	return f.postText, f.postErr
}

func newTestService(dir *fakeDir, shards ...ShardAPI) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := &profile.Profile{AutoDiscover: true}
	return New(dir, shards, nil, p, log)
}

func doJSON(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGetUserByID(t *testing.T) {
	dir := &fakeDir{users: map[int64][]store.User{
		42: {
			{UserID: 42, Username: "jdoe", Name: "John Doe"},
			{UserID: 42, Username: "johnd", Name: "John Doe"},
		},
	}}
	svc := newTestService(dir)

	rec := doJSON(t, svc.Handler(), http.MethodGet, "/user?user_id=42", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info store.UserInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(42), info.UserID)
	assert.Equal(t, []string{"jdoe", "johnd"}, info.Usernames)
	assert.Equal(t, []string{"John Doe"}, info.Names)

	rec = doJSON(t, svc.Handler(), http.MethodGet, "/user?user_id=99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUserByUsernameIsExactMatch(t *testing.T) {
	dir := &fakeDir{byPrefix: []store.User{
		{UserID: 1, Username: "jdoe", Name: "John"},
		{UserID: 2, Username: "jdoe2", Name: "Jane"},
	}}
	svc := newTestService(dir)

	rec := doJSON(t, svc.Handler(), http.MethodGet, "/user?username=JDoe", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info store.UserInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(1), info.UserID)
}

func TestGetUsersGroupsAndLimits(t *testing.T) {
	var rows []store.User
	for i := 1; i <= 30; i++ {
		rows = append(rows, store.User{UserID: int64(i), Username: "user", Name: "x"})
	}
	dir := &fakeDir{byPrefix: rows}
	svc := newTestService(dir)

	rec := doJSON(t, svc.Handler(), http.MethodGet, "/users?username=user", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []store.UserInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	assert.Len(t, infos, userSearchLimit)
}

func TestPostMessagesFansOutByShard(t *testing.T) {
	shard0 := &fakeShard{replies: []store.Message{{Text: "from zero"}}}
	shard1 := &fakeShard{replies: []store.Message{{Text: "from one"}}}
	svc := newTestService(&fakeDir{}, shard0, shard1)

	comments := []store.Comment{
		{UserID: 1, ChatID: 20, MessageID: 1, Shard: 1},
		{UserID: 1, ChatID: 10, MessageID: 2, Shard: 0},
		{UserID: 1, ChatID: 10, MessageID: 3, Shard: 0},
	}
	rec := doJSON(t, svc.Handler(), http.MethodPost, "/messages", comments)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, shard0.received, 1)
	assert.Len(t, shard0.received[0], 2)
	require.Len(t, shard1.received, 1)
	assert.Len(t, shard1.received[0], 1)

	var out []store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "from zero", out[0].Text)
	assert.Equal(t, "from one", out[1].Text)
}

func TestPostMessagesRejectsUnknownShard(t *testing.T) {
	svc := newTestService(&fakeDir{}, &fakeShard{})
	comments := []store.Comment{{UserID: 1, ChatID: 10, MessageID: 1, Shard: 7}}
	rec := doJSON(t, svc.Handler(), http.MethodPost, "/messages", comments)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiscoverRoutesToLeastLoadedShard(t *testing.T) {
	shard0 := &fakeShard{knownChats: 150}
	shard1 := &fakeShard{knownChats: 30}
	svc := newTestService(&fakeDir{}, shard0, shard1)

	rec := doJSON(t, svc.Handler(), http.MethodPost, "/discover", DiscoverRequest{JoinString: "room"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, shard0.discovered)
	assert.Equal(t, []string{"room"}, shard1.discovered)
}

func TestDiscoverMapsAlreadyJoined(t *testing.T) {
	shard0 := &fakeShard{discoverErr: engine.ErrAlreadyJoined}
	svc := newTestService(&fakeDir{}, shard0)

	rec := doJSON(t, svc.Handler(), http.MethodPost, "/discover", DiscoverRequest{JoinString: "room"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUserByMsgLinkPublicChat(t *testing.T) {
	dir := &fakeDir{
		chats: map[string]store.Chat{
			"room": {ID: -100123, JoinString: "room", Shard: 0},
		},
		byMessage: map[[2]int64]store.Comment{
			{-100123, 7}: {UserID: 42, ChatID: -100123, MessageID: 7, Shard: 0},
		},
	}
	shard0 := &fakeShard{user: store.User{UserID: 42, Username: "jdoe", Name: "John Doe"}}
	svc := newTestService(dir, shard0)

	rec := doJSON(t, svc.Handler(), http.MethodGet, "/user_by_msg_link?link=https://t.me/room/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var user store.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, int64(42), user.UserID)
}

func TestUserByMsgLinkPrivateChatID(t *testing.T) {
	dir := &fakeDir{
		byMessage: map[[2]int64]store.Comment{
			{-100123, 7}: {UserID: 42, ChatID: -100123, MessageID: 7, Shard: 0},
		},
	}
	shard0 := &fakeShard{user: store.User{UserID: 42}}
	svc := newTestService(dir, shard0)

	rec := doJSON(t, svc.Handler(), http.MethodGet, "/user_by_msg_link?link=https://t.me/c/123/7", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserByMsgLinkRejectsBadURL(t *testing.T) {
	svc := newTestService(&fakeDir{}, &fakeShard{})
	rec := doJSON(t, svc.Handler(), http.MethodGet, "/user_by_msg_link?link=t.me/room/7", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostByURL(t *testing.T) {
	dir := &fakeDir{
		chats: map[string]store.Chat{
			"news": {ID: -300, JoinString: "news", Shard: 0, SessionIndex: 1},
		},
	}
	shard0 := &fakeShard{postText: store.PostText{Text: "breaking"}}
	svc := newTestService(dir, shard0)

	rec := doJSON(t, svc.Handler(), http.MethodGet, "/post_by_url?link=https://t.me/news/9", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body store.PostText
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "breaking", body.Text)

	rec = doJSON(t, svc.Handler(), http.MethodGet, "/post_by_url?link=https://t.me/elsewhere/9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveBot(t *testing.T) {
	dir := &fakeDir{}
	svc := newTestService(dir)

	rec := doJSON(t, svc.Handler(), http.MethodPost, "/remove_bot", RemoveBotRequest{BotID: 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{7}, dir.brokenCalls)

	rec = doJSON(t, svc.Handler(), http.MethodPost, "/remove_bot", RemoveBotRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckUserWithoutClassifier(t *testing.T) {
	svc := newTestService(&fakeDir{})
	rec := doJSON(t, svc.Handler(), http.MethodGet, "/check_user?user_id=42", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

type fakeClassifier struct{ label string }

func (f *fakeClassifier) LabelUser(context.Context, store.UserInfo, []store.Message) (string, error) {
	return f.label, nil
}

func TestCheckUserReturnsVerdict(t *testing.T) {
	dir := &fakeDir{
		users:    map[int64][]store.User{42: {{UserID: 42, Username: "jdoe"}}},
		comments: map[int64][]store.Comment{42: {{UserID: 42, ChatID: 10, MessageID: 1, Shard: 0}}},
	}
	shard0 := &fakeShard{replies: []store.Message{{Text: "hello"}}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(dir, []ShardAPI{shard0}, &fakeClassifier{label: "USER"}, &profile.Profile{}, log)

	rec := doJSON(t, svc.Handler(), http.MethodGet, "/check_user?user_id=42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"verdict":"USER"`)
}

func TestAutoDiscoverConsumesPending(t *testing.T) {
	dir := &fakeDir{pending: []store.DiscoveredChat{
		{ID: 9, Name: "Room (room)", JoinString: "room", SubscribersCount: 500, Sign: 1},
	}}
	shard0 := &fakeShard{}
	svc := newTestService(dir, shard0)

	require.NoError(t, svc.autoDiscoverOnce(context.Background()))

	require.Len(t, dir.inserted, 1)
	assert.Equal(t, int8(-1), dir.inserted[0].Sign)
	assert.Equal(t, int64(9), dir.inserted[0].ID)
	assert.Equal(t, []string{"room"}, shard0.discovered)
}

func TestAutoDiscoverSwallowsAlreadyJoined(t *testing.T) {
	dir := &fakeDir{pending: []store.DiscoveredChat{
		{ID: 9, JoinString: "room", Sign: 1},
	}}
	shard0 := &fakeShard{discoverErr: engine.ErrAlreadyJoined}
	svc := newTestService(dir, shard0)

	require.NoError(t, svc.autoDiscoverOnce(context.Background()))
	require.Len(t, dir.inserted, 1)
}

func TestAutoDiscoverIdlesOnEmptyLedger(t *testing.T) {
	dir := &fakeDir{}
	svc := newTestService(dir, &fakeShard{})
	require.NoError(t, svc.autoDiscoverOnce(context.Background()))
	assert.Empty(t, dir.inserted)
}
