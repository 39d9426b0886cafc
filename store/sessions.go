package store

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
)

// Session is one stored chat-network account assigned to a shard.
type Session struct {
	ID            int64  `ch:"id" json:"id"`
	Shard         int32  `ch:"shard" json:"shard"`
	Name          string `ch:"name" json:"name"`
	SessionString string `ch:"session_string" json:"-"`
}

// Sessions reads the session descriptors of a shard, ordered by id. The table
// name depends on the run mode and is validated by profile, never user input.
func (s *Store) Sessions(ctx context.Context, table string, shard int) ([]Session, error) {
	query := fmt.Sprintf(
		"SELECT id, shard, name, session_string FROM %s WHERE shard = @shard ORDER BY id", table)

	var out []Session
	if err := s.conn.Select(ctx, &out, query, clickhouse.Named("shard", int32(shard))); err != nil {
		return nil, errors.Wrap(err, "select sessions")
	}
	return out, nil
}

// BrokenSessions returns the ids excluded from startup.
func (s *Store) BrokenSessions(ctx context.Context) (map[int64]struct{}, error) {
	var rows []struct {
		ID int64 `ch:"id"`
	}
	if err := s.conn.Select(ctx, &rows, "SELECT id FROM broken_bots"); err != nil {
		return nil, errors.Wrap(err, "select broken sessions")
	}

	broken := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		broken[row.ID] = struct{}{}
	}
	return broken, nil
}

// MarkSessionBroken appends a session id to the broken set.
func (s *Store) MarkSessionBroken(ctx context.Context, id int64) error {
	rows := []struct {
		ID int64 `ch:"id"`
	}{{ID: id}}
	return insert(ctx, s, "broken_bots", rows)
}
