package store

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
)

// Comment is one observed human message in a group chat. channel_id/post_id
// are set only when the message belongs to a discussion thread of a channel
// post.
type Comment struct {
	UserID       int64     `ch:"user_id" json:"user_id"`
	Date         time.Time `ch:"date" json:"date"`
	ChatID       int64     `ch:"chat_id" json:"chat_id"`
	MessageID    int64     `ch:"message_id" json:"message_id"`
	ChannelID    *int64    `ch:"channel_id" json:"channel_id"`
	PostID       *int64    `ch:"post_id" json:"post_id"`
	SessionIndex int32     `ch:"session_index" json:"session_index"`
	Shard        int32     `ch:"shard" json:"shard"`
}

// Less orders comments by (shard, session_index, chat_id) so that batched
// retrieval can group consecutive runs.
func (c Comment) Less(other Comment) bool {
	if c.Shard != other.Shard {
		return c.Shard < other.Shard
	}
	if c.SessionIndex != other.SessionIndex {
		return c.SessionIndex < other.SessionIndex
	}
	return c.ChatID < other.ChatID
}

// Message is a comment hydrated with its live text, as returned by the shard
// RPC. Text and ChatName are empty when the message is gone.
type Message struct {
	Text     string  `json:"text"`
	ChatName string  `json:"chat_name"`
	Comment  Comment `json:"comment"`
}

// PostText is the body of a single channel post.
type PostText struct {
	Text string `json:"text"`
}

// CommentsByUser reads all comments of a user ordered by date.
func (s *Store) CommentsByUser(ctx context.Context, userID int64) ([]Comment, error) {
	var out []Comment
	query := `
		SELECT user_id, date, chat_id, message_id, channel_id, post_id, session_index, shard
		FROM comments
		WHERE user_id = @user_id
		ORDER BY date`
	if err := s.conn.Select(ctx, &out, query, clickhouse.Named("user_id", userID)); err != nil {
		return nil, errors.Wrap(err, "select comments by user")
	}
	return out, nil
}

// CommentByMessage finds the comment recorded for one (chat, message) pair.
func (s *Store) CommentByMessage(ctx context.Context, chatID, messageID int64) (Comment, error) {
	var out []Comment
	query := `
		SELECT user_id, date, chat_id, message_id, channel_id, post_id, session_index, shard
		FROM comments
		WHERE chat_id = @chat_id AND message_id = @message_id
		LIMIT 1`
	err := s.conn.Select(ctx, &out, query,
		clickhouse.Named("chat_id", chatID),
		clickhouse.Named("message_id", messageID))
	if err != nil {
		return Comment{}, errors.Wrap(err, "select comment by message")
	}
	if len(out) == 0 {
		return Comment{}, ErrNoRows
	}
	return out[0], nil
}

// InsertComments appends observed comments.
func (s *Store) InsertComments(ctx context.Context, rows []Comment) error {
	return insert(ctx, s, "comments", rows)
}

// CommentRange is the per-chat projection of observed message id bounds,
// used to seed history backfill arms.
type CommentRange struct {
	ChatID       int64 `ch:"chat_id" json:"chat_id"`
	MinMessageID int64 `ch:"min_message_id" json:"min_message_id"`
	MaxMessageID int64 `ch:"max_message_id" json:"max_message_id"`
}

// CommentRange reads the message id bounds observed for a chat.
func (s *Store) CommentRange(ctx context.Context, chatID int64) (CommentRange, error) {
	var out []CommentRange
	query := `
		SELECT chat_id, min_message_id, max_message_id
		FROM comments_range_mv
		WHERE chat_id = @chat_id
		LIMIT 1`
	if err := s.conn.Select(ctx, &out, query, clickhouse.Named("chat_id", chatID)); err != nil {
		return CommentRange{}, errors.Wrap(err, "select comment range")
	}
	if len(out) == 0 {
		return CommentRange{}, ErrNoRows
	}
	return out[0], nil
}
