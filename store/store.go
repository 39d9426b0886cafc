// Package store provides typed access to the columnar store. Reads go through
// parameterized SELECTs, writes through batched inserts with async_insert
// enabled, so the engine never blocks on merge pressure.
package store

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/pkg/errors"

	"github.com/voxharbor/voxharbor/internal/profile"
)

// ErrNoRows is returned by single-row reads that matched nothing. Callers
// decide whether an empty result is a NotFound condition.
var ErrNoRows = errors.New("store: no rows")

// Store wraps the ClickHouse connection pool.
type Store struct {
	conn driver.Conn
}

// Open connects to the store and verifies the connection.
func Open(ctx context.Context, p *profile.Profile) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{p.ClickHouseAddr()},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: p.ClickHousePassword,
		},
		TLS: &tls.Config{MinVersion: tls.VersionTLS12},
		Settings: clickhouse.Settings{
			"async_insert": 1,
		},
		DialTimeout:  10 * time.Second,
		MaxOpenConns: 50,
		MaxIdleConns: 10,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open clickhouse")
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "ping clickhouse")
	}
	return &Store{conn: conn}, nil
}

// NewWithConn wraps an existing connection; used by tests.
func NewWithConn(conn driver.Conn) *Store {
	return &Store{conn: conn}
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// insert sends rows as one batch. The async_insert session setting makes the
// server acknowledge before merging, which is the at-least-once contract the
// batcher relies on.
func insert[T any](ctx context.Context, s *Store, table string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return errors.Wrapf(err, "prepare insert into %s", table)
	}
	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			return errors.Wrapf(err, "append to %s", table)
		}
	}
	return errors.Wrapf(batch.Send(), "insert into %s", table)
}
