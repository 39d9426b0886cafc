package store

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
)

// Post is one timestamped snapshot of a channel post's counters. Keys and
// Values are the flattened data map: "@views", one key per emoji,
// "@custom_emoji_<id>" and "@option_<label>" for polls.
type Post struct {
	ID           int64     `ch:"id" json:"id"`
	ChannelID    int64     `ch:"channel_id" json:"channel_id"`
	PostDate     time.Time `ch:"post_date" json:"post_date"`
	PointDate    time.Time `ch:"point_date" json:"point_date"`
	Keys         []string  `ch:"data.key" json:"keys"`
	Values       []int64   `ch:"data.value" json:"values"`
	SessionIndex int32     `ch:"session_index" json:"session_index"`
	Shard        int32     `ch:"shard" json:"shard"`
}

// InsertPosts appends post snapshots.
func (s *Store) InsertPosts(ctx context.Context, rows []Post) error {
	return insert(ctx, s, "posts", rows)
}

// LatestPostSnapshot reads the freshest snapshot of one post.
func (s *Store) LatestPostSnapshot(ctx context.Context, id int64) (Post, error) {
	var out []Post
	query := `
		SELECT id, channel_id, post_date, point_date,
		       ` + "`data.key`" + `, ` + "`data.value`" + `, session_index, shard
		FROM posts
		WHERE id = @id
		ORDER BY point_date DESC
		LIMIT 1`
	if err := s.conn.Select(ctx, &out, query, clickhouse.Named("id", id)); err != nil {
		return Post{}, errors.Wrap(err, "select latest post snapshot")
	}
	if len(out) == 0 {
		return Post{}, ErrNoRows
	}
	return out[0], nil
}

// NewPost is a row of the recent-posts materialized view.
type NewPost struct {
	ID           int64     `ch:"id" json:"id"`
	ChannelID    int64     `ch:"channel_id" json:"channel_id"`
	PostDate     time.Time `ch:"post_date" json:"post_date"`
	SessionIndex int32     `ch:"session_index" json:"session_index"`
	Shard        int32     `ch:"shard" json:"shard"`
}

// RecentPosts reads channel posts observed on a shard within the window.
func (s *Store) RecentPosts(ctx context.Context, shard int, window time.Duration) ([]NewPost, error) {
	var out []NewPost
	query := `
		SELECT id, channel_id, post_date, session_index, shard
		FROM new_posts_mv
		WHERE post_date > now() - INTERVAL @window SECOND
		  AND shard = @shard`
	err := s.conn.Select(ctx, &out, query,
		clickhouse.Named("window", int64(window.Seconds())),
		clickhouse.Named("shard", int32(shard)))
	if err != nil {
		return nil, errors.Wrap(err, "select recent posts")
	}
	return out, nil
}
