package store

import (
	"context"
	"time"
)

// LogRecord is one structured log line persisted for fleet-wide inspection.
type LogRecord struct {
	Created  time.Time `ch:"created" json:"created"`
	Filename string    `ch:"filename" json:"filename"`
	FuncName string    `ch:"func_name" json:"func_name"`
	Level    int32     `ch:"levelno" json:"levelno"`
	Line     int32     `ch:"lineno" json:"lineno"`
	Message  string    `ch:"message" json:"message"`
	Name     string    `ch:"name" json:"name"`
	Shard    int32     `ch:"shard" json:"shard"`
	FQDN     string    `ch:"fqdn" json:"fqdn"`
}

// InsertLogs appends log records.
func (s *Store) InsertLogs(ctx context.Context, rows []LogRecord) error {
	return insert(ctx, s, "logs", rows)
}
