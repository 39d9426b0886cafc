package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/voxharbor/voxharbor/chatnet"
	"github.com/voxharbor/voxharbor/internal/cache"
	"github.com/voxharbor/voxharbor/internal/metrics"
	"github.com/voxharbor/voxharbor/internal/profile"
	"github.com/voxharbor/voxharbor/store"
)

const (
	postTrackWindow = 7 * 24 * time.Hour

	memberCountTTL = time.Hour
	memberCountCap = 10_000
)

// Router turns every observed message, live or backfilled, into observation
// events: comments, users, discovered chats and post snapshots.
type Router struct {
	shard    int32
	profile  *profile.Profile
	registry *Registry
	batcher  *Batcher
	log      *slog.Logger

	// memberCounts caches resolved member counts of forward sources so a
	// popular channel is not re-resolved for every forwarded message.
	memberCounts *cache.TTL[int64, int]

	now func() time.Time // overridable in tests
}

// NewRouter builds the message pipeline over the registry and batcher.
func NewRouter(registry *Registry, batcher *Batcher, p *profile.Profile, log *slog.Logger) *Router {
	return &Router{
		shard:        int32(p.ShardNum),
		profile:      p,
		registry:     registry,
		batcher:      batcher,
		log:          log.With("component", "router"),
		memberCounts: cache.New[int64, int](memberCountTTL, memberCountCap),
		now:          time.Now,
	}
}

// Process runs one message through the pipeline. Errors are logged; a single
// bad message never stops the stream.
func (r *Router) Process(ctx context.Context, sess *Session, msg *chatnet.Message) {
	if msg == nil || msg.Chat == nil || msg.Chat.ID == servicePeerID {
		return
	}

	// Stale deliveries after a leave are ignored.
	subscribed, err := sess.IsSubscribed(ctx, msg.Chat.ID)
	if err != nil {
		r.log.Warn("subscription check failed", "chat_id", msg.Chat.ID, "err", err)
		return
	}
	if !subscribed {
		return
	}
	sess.MarkSubscribed(msg.Chat)

	if _, known := r.registry.Chat(msg.Chat.ID); !known {
		if err := r.registry.RegisterNewChat(ctx, sess, msg.Chat, msg.Chat.JoinString()); err != nil {
			r.log.Warn("register new chat failed", "chat_id", msg.Chat.ID, "err", err)
		}
	}

	r.maybeDiscoverForward(ctx, sess, msg)

	if msg.Chat.Type == chatnet.TypeChannel {
		if r.now().Sub(msg.Date) < postTrackWindow {
			if data, ok := r.collectPostData(ctx, sess, msg); ok {
				r.batcher.AddPost(PostSnapshot{
					ID:           msg.ID,
					ChannelID:    msg.Chat.ID,
					PostDate:     msg.Date,
					PointDate:    r.now().UTC(),
					Data:         data,
					SessionIndex: int32(sess.Index()),
					Shard:        r.shard,
				})
			}
		}
		return
	}

	channelID, postID := r.attributeReply(ctx, sess, msg)

	if msg.FromUser == nil {
		return
	}
	comment := store.Comment{
		UserID:       msg.FromUser.ID,
		Date:         msg.Date,
		ChatID:       msg.Chat.ID,
		MessageID:    msg.ID,
		ChannelID:    channelID,
		PostID:       postID,
		SessionIndex: int32(sess.Index()),
		Shard:        r.shard,
	}
	user := store.User{
		UserID:   msg.FromUser.ID,
		Username: msg.FromUser.Username,
		Name:     msg.FromUser.FullName(),
	}
	r.batcher.AddComment(comment, user)
}

// maybeDiscoverForward records the source of a forwarded message as a
// pending discovery when it is public, unknown and large enough.
func (r *Router) maybeDiscoverForward(ctx context.Context, sess *Session, msg *chatnet.Message) {
	src := msg.ForwardFromChat
	if src == nil || src.Type == chatnet.TypeBot || src.Type == chatnet.TypePrivate {
		return
	}
	if src.Username == "" {
		return
	}
	if _, known := r.registry.Chat(src.ID); known {
		return
	}

	count := src.MembersCount
	if count == 0 {
		if cached, ok := r.memberCounts.Get(src.ID); ok {
			count = cached
		} else if resolved, err := sess.Resolve(ctx, chatnet.Ref{Handle: src.Username}); err == nil && resolved != nil {
			count = resolved.MembersCount
			r.memberCounts.Set(src.ID, count)
		} else if err != nil {
			r.log.Warn("forward source resolve failed", "username", src.Username, "err", err)
			return
		}
	}

	minimum := r.profile.MinChatMembersCount
	if src.Type == chatnet.TypeChannel {
		minimum = r.profile.MinChannelMembersCount
	}
	if count < minimum {
		return
	}

	name := src.DisplayName()
	if src.Username != "" {
		name = fmt.Sprintf("%s (%s)", name, src.Username)
	}
	r.batcher.AddDiscoveredChat(store.DiscoveredChat{
		ID:               src.ID,
		Name:             name,
		JoinString:       src.Username,
		SubscribersCount: int32(count),
		Sign:             1,
	})
	metrics.ChatsDiscovered.Inc()
}

// attributeReply links a discussion reply to the channel post it threads
// under, via the cached thread-root message.
func (r *Router) attributeReply(ctx context.Context, sess *Session, msg *chatnet.Message) (*int64, *int64) {
	if msg.ReplyToTopMessageID == 0 {
		return nil, nil
	}
	top, err := sess.Message(ctx, msg.Chat.ID, msg.ReplyToTopMessageID)
	if err != nil {
		r.log.Warn("thread root fetch failed",
			"chat_id", msg.Chat.ID, "message_id", msg.ReplyToTopMessageID, "err", err)
		return nil, nil
	}
	if top == nil || top.SenderChat == nil || top.SenderChat.Type != chatnet.TypeChannel || top.ForwardFromMessageID == 0 {
		return nil, nil
	}
	channelID := top.SenderChat.ID
	postID := top.ForwardFromMessageID
	return &channelID, &postID
}

// collectPostData gathers a post's counters. Returns ok=false when the post
// carries an open poll the session has not voted on, since option counts are
// hidden until then.
func (r *Router) collectPostData(ctx context.Context, sess *Session, msg *chatnet.Message) (map[string]int64, bool) {
	data := map[string]int64{"@views": msg.Views}
	for _, reaction := range msg.Reactions {
		if reaction.CustomEmojiID != 0 {
			data["@custom_emoji_"+strconv.FormatInt(reaction.CustomEmojiID, 10)] = reaction.Count
			continue
		}
		data[reaction.Emoji] = reaction.Count
	}

	if poll := msg.Poll; poll != nil {
		if poll.ChosenOption < 0 && !poll.IsClosed {
			if r.profile.AutoVotePolls && poll.IsAnonymous {
				if err := sess.Vote(ctx, msg.Chat.ID, msg.ID, 0); err != nil {
					r.log.Warn("poll vote failed", "chat_id", msg.Chat.ID, "message_id", msg.ID, "err", err)
				}
			}
			return nil, false
		}
		for _, opt := range poll.Options {
			data["@option_"+opt.Text] = opt.VoterCount
		}
	}
	return data, true
}
