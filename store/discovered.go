package store

import (
	"context"
	"math/rand"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
)

// DiscoveredChat is one row of the discovery sign ledger. A chat is pending
// while the signed sum of its rows is positive: +1 on observation, -1 when
// auto-discovery consumes it.
type DiscoveredChat struct {
	ID               int64  `ch:"id" json:"id"`
	Name             string `ch:"name" json:"name"`
	JoinString       string `ch:"join_string" json:"join_string"`
	SubscribersCount int32  `ch:"subscribers_count" json:"subscribers_count"`
	Sign             int8   `ch:"sign" json:"sign"`
}

// InsertDiscoveredChats appends ledger rows.
func (s *Store) InsertDiscoveredChats(ctx context.Context, rows []DiscoveredChat) error {
	return insert(ctx, s, "discovered_chats", rows)
}

// RandomPendingDiscovery picks a pending discovery at a random offset so that
// concurrent consumers spread over the ledger. Returns ErrNoRows when the
// pending set is empty.
func (s *Store) RandomPendingDiscovery(ctx context.Context) (DiscoveredChat, error) {
	var total uint64
	if err := s.conn.QueryRow(ctx, "SELECT count() FROM discovered_chats").Scan(&total); err != nil {
		return DiscoveredChat{}, errors.Wrap(err, "count discovered chats")
	}
	if total == 0 {
		return DiscoveredChat{}, ErrNoRows
	}

	var out []DiscoveredChat
	query := `
		SELECT id, name, join_string,
		       max(subscribers_count) AS subscribers_count,
		       toInt8(1) AS sign
		FROM discovered_chats
		GROUP BY id, name, join_string
		HAVING sum(sign) > 0
		LIMIT 1 OFFSET @offset`
	offset := rand.Int63n(int64(total))
	if err := s.conn.Select(ctx, &out, query, clickhouse.Named("offset", offset)); err != nil {
		return DiscoveredChat{}, errors.Wrap(err, "select pending discovery")
	}
	if len(out) == 0 {
		return DiscoveredChat{}, ErrNoRows
	}
	return out[0], nil
}
