package store

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
)

// User is an append-only observation of a message author; repeated rows per
// user are expected and collapsed at query time.
type User struct {
	UserID   int64  `ch:"user_id" json:"user_id"`
	Username string `ch:"username" json:"username"`
	Name     string `ch:"name" json:"name"`
}

// UserInfo is the collapsed view of all observations of one user.
type UserInfo struct {
	UserID    int64    `json:"user_id"`
	Usernames []string `json:"usernames"`
	Names     []string `json:"names"`
}

// InsertUsers appends user observations.
func (s *Store) InsertUsers(ctx context.Context, rows []User) error {
	return insert(ctx, s, "users", rows)
}

// UsersByIDs reads every observation of the given users, ordered by user id
// so the result can be grouped in one pass.
func (s *Store) UsersByIDs(ctx context.Context, userIDs []int64) ([]User, error) {
	var out []User
	query := `
		SELECT user_id, username, name
		FROM users
		WHERE user_id IN @user_ids
		ORDER BY user_id`
	if err := s.conn.Select(ctx, &out, query, clickhouse.Named("user_ids", userIDs)); err != nil {
		return nil, errors.Wrap(err, "select users by ids")
	}
	return out, nil
}

// UsersByUsernamePrefix searches observations by case-insensitive username
// prefix.
func (s *Store) UsersByUsernamePrefix(ctx context.Context, prefix string, limit int) ([]User, error) {
	var out []User
	query := `
		SELECT user_id, username, name
		FROM users
		WHERE username ILIKE @pattern
		ORDER BY username
		LIMIT @limit`
	err := s.conn.Select(ctx, &out, query,
		clickhouse.Named("pattern", prefix+"%"),
		clickhouse.Named("limit", int64(limit)))
	if err != nil {
		return nil, errors.Wrap(err, "select users by username")
	}
	return out, nil
}

// GroupUserInfo collapses rows sorted by user id into per-user summaries with
// unique usernames and names in first-seen order.
func GroupUserInfo(rows []User) []UserInfo {
	var out []UserInfo
	for _, row := range rows {
		if len(out) == 0 || out[len(out)-1].UserID != row.UserID {
			out = append(out, UserInfo{UserID: row.UserID})
		}
		info := &out[len(out)-1]
		if row.Username != "" && !contains(info.Usernames, row.Username) {
			info.Usernames = append(info.Usernames, row.Username)
		}
		if row.Name != "" && !contains(info.Names, row.Name) {
			info.Names = append(info.Names, row.Name)
		}
	}
	return out
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
