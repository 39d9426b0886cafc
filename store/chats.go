package store

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
)

// Chat types as stored in the chats table.
const (
	ChatTypeChat    = "CHAT"
	ChatTypeChannel = "CHANNEL"
	ChatTypePrivate = "PRIVATE"
)

// Chat is the authoritative ownership record of one chat: the
// (shard, session_index) pair names the single session subscribed to it.
type Chat struct {
	ID           int64     `ch:"id" json:"id"`
	Name         string    `ch:"name" json:"name"`
	JoinString   string    `ch:"join_string" json:"join_string"`
	Shard        int32     `ch:"shard" json:"shard"`
	SessionIndex int32     `ch:"session_index" json:"session_index"`
	Added        time.Time `ch:"added" json:"added"`
	Type         string    `ch:"type" json:"type"`
}

// Chats reads the full chat table snapshot.
func (s *Store) Chats(ctx context.Context) ([]Chat, error) {
	var out []Chat
	query := "SELECT id, name, join_string, shard, session_index, added, type FROM chats"
	if err := s.conn.Select(ctx, &out, query); err != nil {
		return nil, errors.Wrap(err, "select chats")
	}
	return out, nil
}

// ChatByID reads one chat record.
func (s *Store) ChatByID(ctx context.Context, id int64) (Chat, error) {
	var out []Chat
	query := "SELECT id, name, join_string, shard, session_index, added, type FROM chats WHERE id = @id LIMIT 1"
	if err := s.conn.Select(ctx, &out, query, clickhouse.Named("id", id)); err != nil {
		return Chat{}, errors.Wrap(err, "select chat")
	}
	if len(out) == 0 {
		return Chat{}, ErrNoRows
	}
	return out[0], nil
}

// ChatByJoinString finds a chat by the handle or link it was entered with.
func (s *Store) ChatByJoinString(ctx context.Context, joinString string) (Chat, error) {
	var out []Chat
	query := "SELECT id, name, join_string, shard, session_index, added, type FROM chats WHERE join_string = @join_string LIMIT 1"
	if err := s.conn.Select(ctx, &out, query, clickhouse.Named("join_string", joinString)); err != nil {
		return Chat{}, errors.Wrap(err, "select chat by join string")
	}
	if len(out) == 0 {
		return Chat{}, ErrNoRows
	}
	return out[0], nil
}

// InsertChats appends chat ownership records.
func (s *Store) InsertChats(ctx context.Context, rows []Chat) error {
	return insert(ctx, s, "chats", rows)
}

// ChatUpdate is an advisory change signal written alongside chat edits.
type ChatUpdate struct {
	Shard        int32     `ch:"shard" json:"shard"`
	SessionIndex int32     `ch:"session_index" json:"session_index"`
	Added        time.Time `ch:"added" json:"added"`
}

// LatestChatUpdate reads the freshest change signal for a shard.
func (s *Store) LatestChatUpdate(ctx context.Context, shard int) (ChatUpdate, error) {
	var out []ChatUpdate
	query := `
		SELECT shard, session_index, added
		FROM chat_updates
		WHERE shard = @shard
		ORDER BY added DESC
		LIMIT 1`
	if err := s.conn.Select(ctx, &out, query, clickhouse.Named("shard", int32(shard))); err != nil {
		return ChatUpdate{}, errors.Wrap(err, "select chat updates")
	}
	if len(out) == 0 {
		return ChatUpdate{}, ErrNoRows
	}
	return out[0], nil
}
