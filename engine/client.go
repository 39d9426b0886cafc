package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/voxharbor/voxharbor/chatnet"
	"github.com/voxharbor/voxharbor/internal/profile"
	"github.com/voxharbor/voxharbor/store"
)

const (
	// servicePeerID is the network's own notification account; its messages
	// and dialogs are never crawled.
	servicePeerID = 777000

	historyCallsPerSecond = 2
	messageCacheSize      = 256
	inviteApprovalWait    = 10 * time.Second
)

type msgKey struct {
	chatID    int64
	messageID int64
}

// OwnershipReconciler decides what happens after a session enters a chat:
// registering it when unknown, or backing out when another session owns it.
// Implemented by the chat registry.
type OwnershipReconciler interface {
	ReconcileOwnership(ctx context.Context, sess *Session, chat *chatnet.Chat, joinString string) error
}

// DiscoverOpts controls a single discover attempt.
type DiscoverOpts struct {
	// WithLinked also discovers the channel's linked discussion chat.
	WithLinked bool
	// SkipOwnershipCheck suppresses registry reconciliation, used when the
	// registry itself is re-joining a chat it already owns.
	SkipOwnershipCheck bool
	// IgnoreProtection bypasses the member-count thresholds.
	IgnoreProtection bool
}

// Session wraps one authenticated chat-network client with the crawl-side
// state: subscribed-set cache, history rate limiter, message LRU and the
// invite-approval table.
type Session struct {
	index   int
	record  store.Session
	client  chatnet.Client
	profile *profile.Profile
	log     *slog.Logger

	limiter  *rate.Limiter
	messages *lru.Cache[msgKey, *chatnet.Message]

	mu         sync.Mutex
	subscribed map[int64]*chatnet.Chat // nil until the first dialog load
	invites    map[string]chan int64

	reconciler OwnershipReconciler
}

// NewSession wraps a dialed client. The session is inert until Start.
func NewSession(index int, record store.Session, client chatnet.Client, p *profile.Profile, log *slog.Logger) *Session {
	messages, _ := lru.New[msgKey, *chatnet.Message](messageCacheSize)
	return &Session{
		index:   index,
		record:  record,
		client:  client,
		profile: p,
		log:     log.With("session", index, "name", record.Name),
		limiter: rate.NewLimiter(rate.Limit(historyCallsPerSecond), historyCallsPerSecond),
		messages: messages,
		invites:  make(map[string]chan int64),
	}
}

// Index is the session's position within its shard's pool.
func (s *Session) Index() int { return s.index }

// Name is the session's display name from the session table.
func (s *Session) Name() string { return s.record.Name }

func (s *Session) bindReconciler(r OwnershipReconciler) { s.reconciler = r }

// Start connects the underlying client and hooks the approval pushes.
func (s *Session) Start(ctx context.Context) error {
	s.client.OnJoinConfirmation(s.handleJoinConfirmation)
	if err := s.client.Start(ctx); err != nil {
		return errors.Wrapf(err, "start session %d", s.index)
	}
	return nil
}

// Stop disconnects the underlying client.
func (s *Session) Stop(ctx context.Context) error {
	return s.client.Stop(ctx)
}

// ensureSubscribed populates the subscribed-set cache from live dialogs on
// first use. The dialog call runs outside the mutex.
func (s *Session) ensureSubscribed(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.subscribed != nil
	s.mu.Unlock()
	if loaded {
		return nil
	}

	dialogs, err := s.client.Dialogs(ctx)
	if err != nil {
		return errors.Wrap(err, "load dialogs")
	}
	subscribed := make(map[int64]*chatnet.Chat, len(dialogs))
	for i := range dialogs {
		chat := dialogs[i]
		if chat.ID == servicePeerID {
			continue
		}
		subscribed[chat.ID] = &chat
	}

	s.mu.Lock()
	if s.subscribed == nil {
		s.subscribed = subscribed
	}
	s.mu.Unlock()
	return nil
}

// SubscribedChats returns a copy of the subscribed-set cache.
func (s *Session) SubscribedChats(ctx context.Context) (map[int64]*chatnet.Chat, error) {
	if err := s.ensureSubscribed(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*chatnet.Chat, len(s.subscribed))
	for id, chat := range s.subscribed {
		out[id] = chat
	}
	return out, nil
}

// IsSubscribed reports whether the session currently participates in chatID.
func (s *Session) IsSubscribed(ctx context.Context, chatID int64) (bool, error) {
	if err := s.ensureSubscribed(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscribed[chatID]
	return ok, nil
}

// MarkSubscribed records (or refreshes) a chat in the subscribed-set cache.
func (s *Session) MarkSubscribed(chat *chatnet.Chat) {
	if chat == nil || chat.ID == servicePeerID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed == nil {
		s.subscribed = make(map[int64]*chatnet.Chat)
	}
	s.subscribed[chat.ID] = chat
}

// KnownChatsCount is the size of the subscribed-set cache.
func (s *Session) KnownChatsCount(ctx context.Context) (int, error) {
	if err := s.ensureSubscribed(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribed), nil
}

// Join enters a chat, honoring the per-session cap.
func (s *Session) Join(ctx context.Context, ref chatnet.Ref) (*chatnet.Chat, error) {
	count, err := s.KnownChatsCount(ctx)
	if err != nil {
		return nil, err
	}
	if count >= s.profile.MaxChatsPerSession {
		return nil, ErrMaxChats
	}

	chat, err := s.client.Join(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.MarkSubscribed(chat)
	return chat, nil
}

// Leave exits a chat and drops it from the subscribed-set cache.
func (s *Session) Leave(ctx context.Context, chatID int64) error {
	if err := s.client.Leave(ctx, chatID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.subscribed, chatID)
	s.mu.Unlock()
	return nil
}

// Discover resolves a chat by join string and enters it when it clears the
// member-count thresholds. Joins that require admin approval park on the
// confirmation push for up to ten seconds.
func (s *Session) Discover(ctx context.Context, joinString string, opts DiscoverOpts) (*chatnet.Chat, error) {
	ref := chatnet.ParseRef(joinString)
	preview, err := s.client.Resolve(ctx, ref)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", ref)
	}
	if preview.ID == servicePeerID {
		return nil, errServicePeer
	}

	if !opts.IgnoreProtection {
		minimum := s.profile.MinChatMembersCount
		if preview.Type == chatnet.TypeChannel {
			minimum = s.profile.MinChannelMembersCount
		}
		if preview.MembersCount < minimum {
			return nil, errors.Errorf("chat %s has %d members, need %d",
				preview.DisplayName(), preview.MembersCount, minimum)
		}
	}

	chat := preview
	if preview.Preview {
		chat, err = s.Join(ctx, ref)
		if errors.Is(err, chatnet.ErrApprovalPending) {
			chatID, werr := s.awaitInvite(ctx, preview.DisplayName())
			if werr != nil {
				return nil, werr
			}
			chat, err = s.client.Resolve(ctx, chatnet.Ref{ID: chatID})
		}
		if err != nil {
			return nil, errors.Wrapf(err, "join %s", ref)
		}
	}
	s.MarkSubscribed(chat)

	if !opts.SkipOwnershipCheck && s.reconciler != nil {
		if err := s.reconciler.ReconcileOwnership(ctx, s, chat, joinString); err != nil {
			return nil, err
		}
	}

	if opts.WithLinked && chat.LinkedChat != nil {
		linked := opts
		linked.WithLinked = false
		if _, err := s.Discover(ctx, chat.LinkedChat.JoinString(), linked); err != nil {
			s.log.Warn("linked chat discover failed",
				"chat_id", chat.ID, "linked_id", chat.LinkedChat.ID, "err", err)
		}
	}
	return chat, nil
}

// awaitInvite blocks until the approval push for the given chat title
// arrives, or the deadline passes. Duplicate titles inside the window lose
// the race, which is accepted.
func (s *Session) awaitInvite(ctx context.Context, title string) (int64, error) {
	ch := make(chan int64, 1)
	s.mu.Lock()
	s.invites[title] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.invites, title)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(inviteApprovalWait)
	defer timer.Stop()
	select {
	case chatID := <-ch:
		return chatID, nil
	case <-timer.C:
		return 0, errors.Errorf("approval for %q did not arrive in %s", title, inviteApprovalWait)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Session) handleJoinConfirmation(_ context.Context, title string, chatID int64) {
	s.mu.Lock()
	ch, ok := s.invites[title]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- chatID:
	default:
	}
}

// History fetches a reverse-paginated window under the per-session token
// bucket.
func (s *Session) History(ctx context.Context, chatID, offsetID, minID int64, limit int) ([]*chatnet.Message, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.client.History(ctx, chatID, offsetID, minID, limit)
}

// Messages fetches a message batch through the LRU. The result has one entry
// per requested id; deleted messages are nil.
func (s *Session) Messages(ctx context.Context, chatID int64, ids []int64) ([]*chatnet.Message, error) {
	out := make([]*chatnet.Message, len(ids))
	var missing []int64
	var missingAt []int
	for i, id := range ids {
		if msg, ok := s.messages.Get(msgKey{chatID, id}); ok {
			out[i] = msg
			continue
		}
		missing = append(missing, id)
		missingAt = append(missingAt, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := s.client.Messages(ctx, chatID, missing)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(missing) {
		return nil, errors.Errorf("message batch size mismatch: asked %d got %d", len(missing), len(fetched))
	}
	for i, msg := range fetched {
		out[missingAt[i]] = msg
		if msg != nil {
			s.messages.Add(msgKey{chatID, missing[i]}, msg)
		}
	}
	return out, nil
}

// RefreshMessages fetches a batch bypassing the LRU, refreshing cached
// entries. Used where counters must be current, not merely present.
func (s *Session) RefreshMessages(ctx context.Context, chatID int64, ids []int64) ([]*chatnet.Message, error) {
	fetched, err := s.client.Messages(ctx, chatID, ids)
	if err != nil {
		return nil, err
	}
	for i, msg := range fetched {
		if msg != nil && i < len(ids) {
			s.messages.Add(msgKey{chatID, ids[i]}, msg)
		}
	}
	return fetched, nil
}

// Message fetches a single message through the LRU; nil when deleted.
func (s *Session) Message(ctx context.Context, chatID, messageID int64) (*chatnet.Message, error) {
	msgs, err := s.Messages(ctx, chatID, []int64{messageID})
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// Resolve fetches a chat record by handle or id.
func (s *Session) Resolve(ctx context.Context, ref chatnet.Ref) (*chatnet.Chat, error) {
	return s.client.Resolve(ctx, ref)
}

// Vote submits a poll vote; best effort.
func (s *Session) Vote(ctx context.Context, chatID, messageID int64, option int) error {
	return s.client.Vote(ctx, chatID, messageID, option)
}

// cacheMessage primes the LRU with a pushed message so reply attribution can
// find thread roots without a network round trip.
func (s *Session) cacheMessage(msg *chatnet.Message) {
	if msg == nil || msg.Chat == nil {
		return
	}
	s.messages.Add(msgKey{msg.Chat.ID, msg.ID}, msg)
}
