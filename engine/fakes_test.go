package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/voxharbor/voxharbor/chatnet"
	"github.com/voxharbor/voxharbor/internal/profile"
	"github.com/voxharbor/voxharbor/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		Mode:                   profile.ModeProd,
		ShardNum:               0,
		ActiveSessionsCount:    3,
		MaxChatsPerSession:     200,
		MinChatMembersCount:    300,
		MinChannelMembersCount: 5000,
	}
}

// fakeClient is a scripted chatnet.Client.
type fakeClient struct {
	mu sync.Mutex

	dialogs  []chatnet.Chat
	byID     map[int64]*chatnet.Chat
	byHandle map[string]*chatnet.Chat

	joins   []chatnet.Ref
	leaves  []int64
	votes   []int64 // message ids voted on
	joinErr error

	messages  map[msgKey]*chatnet.Message
	historyFn func(chatID, offsetID, minID int64, limit int) ([]*chatnet.Message, error)

	onMessage chatnet.MessageHandler
	onJoin    chatnet.JoinConfirmationHandler
}

func newFakeClient(dialogs ...chatnet.Chat) *fakeClient {
	c := &fakeClient{
		byID:     make(map[int64]*chatnet.Chat),
		byHandle: make(map[string]*chatnet.Chat),
		messages: make(map[msgKey]*chatnet.Message),
	}
	for i := range dialogs {
		chat := dialogs[i]
		c.dialogs = append(c.dialogs, chat)
		c.addChat(&chat)
	}
	return c
}

func (c *fakeClient) addChat(chat *chatnet.Chat) {
	c.byID[chat.ID] = chat
	if chat.Username != "" {
		c.byHandle[chat.Username] = chat
	}
}

func (c *fakeClient) addMessage(msg *chatnet.Message) {
	c.messages[msgKey{msg.Chat.ID, msg.ID}] = msg
}

func (c *fakeClient) Start(context.Context) error { return nil }
func (c *fakeClient) Stop(context.Context) error  { return nil }

func (c *fakeClient) Dialogs(context.Context) ([]chatnet.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chatnet.Chat{}, c.dialogs...), nil
}

func (c *fakeClient) Resolve(_ context.Context, ref chatnet.Ref) (*chatnet.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref.Handle != "" {
		if chat, ok := c.byHandle[ref.Handle]; ok {
			return chat, nil
		}
	} else if chat, ok := c.byID[ref.ID]; ok {
		return chat, nil
	}
	return nil, errors.Errorf("fake: no chat %s", ref)
}

func (c *fakeClient) Join(_ context.Context, ref chatnet.Ref) (*chatnet.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, ref)
	if c.joinErr != nil {
		return nil, c.joinErr
	}
	var chat *chatnet.Chat
	if ref.Handle != "" {
		chat = c.byHandle[ref.Handle]
	} else {
		chat = c.byID[ref.ID]
	}
	if chat == nil {
		return nil, errors.Errorf("fake: cannot join %s", ref)
	}
	joined := *chat
	joined.Preview = false
	return &joined, nil
}

func (c *fakeClient) Leave(_ context.Context, chatID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves = append(c.leaves, chatID)
	return nil
}

func (c *fakeClient) Messages(_ context.Context, chatID int64, ids []int64) ([]*chatnet.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*chatnet.Message, len(ids))
	for i, id := range ids {
		out[i] = c.messages[msgKey{chatID, id}]
	}
	return out, nil
}

func (c *fakeClient) History(_ context.Context, chatID, offsetID, minID int64, limit int) ([]*chatnet.Message, error) {
	if c.historyFn == nil {
		return nil, nil
	}
	return c.historyFn(chatID, offsetID, minID, limit)
}

func (c *fakeClient) Vote(_ context.Context, _, messageID int64, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.votes = append(c.votes, messageID)
	return nil
}

func (c *fakeClient) OnMessage(h chatnet.MessageHandler)                 { c.onMessage = h }
func (c *fakeClient) OnJoinConfirmation(h chatnet.JoinConfirmationHandler) { c.onJoin = h }

func (c *fakeClient) joinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joins)
}

// fakeDialer hands out pre-built clients by session name.
type fakeDialer struct {
	clients map[string]*fakeClient
}

func (d *fakeDialer) Dial(_ context.Context, name, _ string) (chatnet.Client, error) {
	client, ok := d.clients[name]
	if !ok {
		return nil, errors.Errorf("fake: no client for session %q", name)
	}
	return client, nil
}

var (
	_ chatnet.Client = (*fakeClient)(nil)
	_ Storage        = (*fakeStorage)(nil)
	_ Storage        = (*store.Store)(nil)
)

// fakeStorage is an in-memory Storage.
type fakeStorage struct {
	mu sync.Mutex

	sessions []store.Session
	broken   map[int64]struct{}

	chats      []store.Chat
	comments   []store.Comment
	users      []store.User
	discovered []store.DiscoveredChat
	posts      []store.Post

	ranges    map[int64]store.CommentRange
	recent    []store.NewPost
	snapshots map[int64]store.Post

	insertErr   error
	insertCalls int
}

func (f *fakeStorage) Sessions(_ context.Context, _ string, shard int) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Session
	for _, rec := range f.sessions {
		if int(rec.Shard) == shard {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStorage) BrokenSessions(context.Context) (map[int64]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]struct{}, len(f.broken))
	for id := range f.broken {
		out[id] = struct{}{}
	}
	return out, nil
}

func (f *fakeStorage) Chats(context.Context) ([]store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Chat{}, f.chats...), nil
}

func (f *fakeStorage) InsertChats(_ context.Context, rows []store.Chat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, rows...)
	return nil
}

func (f *fakeStorage) LatestChatUpdate(context.Context, int) (store.ChatUpdate, error) {
	return store.ChatUpdate{}, store.ErrNoRows
}

func (f *fakeStorage) InsertComments(_ context.Context, rows []store.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	f.comments = append(f.comments, rows...)
	return nil
}

func (f *fakeStorage) InsertUsers(_ context.Context, rows []store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	f.users = append(f.users, rows...)
	return nil
}

func (f *fakeStorage) InsertDiscoveredChats(_ context.Context, rows []store.DiscoveredChat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	f.discovered = append(f.discovered, rows...)
	return nil
}

func (f *fakeStorage) InsertPosts(_ context.Context, rows []store.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	f.posts = append(f.posts, rows...)
	return nil
}

func (f *fakeStorage) CommentRange(_ context.Context, chatID int64) (store.CommentRange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rng, ok := f.ranges[chatID]
	if !ok {
		return store.CommentRange{}, store.ErrNoRows
	}
	return rng, nil
}

func (f *fakeStorage) RecentPosts(context.Context, int, time.Duration) ([]store.NewPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.NewPost{}, f.recent...), nil
}

func (f *fakeStorage) LatestPostSnapshot(_ context.Context, id int64) (store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[id]
	if !ok {
		return store.Post{}, store.ErrNoRows
	}
	return snap, nil
}
