package logsink

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxharbor/voxharbor/store"
)

type memWriter struct {
	mu   sync.Mutex
	rows []store.LogRecord
}

func (w *memWriter) InsertLogs(_ context.Context, rows []store.LogRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, rows...)
	return nil
}

func TestHandlerQueuesAndFlushes(t *testing.T) {
	w := &memWriter{}
	h := New(w, 3, slog.LevelInfo)
	logger := slog.New(h)

	logger.Info("joined chat", "chat_id", int64(42))
	logger.Debug("should be filtered")

	h.flush(context.Background())

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.rows, 1)
	rec := w.rows[0]
	assert.Equal(t, "joined chat chat_id=42", rec.Message)
	assert.Equal(t, int32(20), rec.Level)
	assert.Equal(t, int32(3), rec.Shard)
	assert.NotEmpty(t, rec.Filename)
	assert.NotZero(t, rec.Line)
}

func TestLevelNumber(t *testing.T) {
	assert.Equal(t, int32(10), levelNumber(slog.LevelDebug))
	assert.Equal(t, int32(20), levelNumber(slog.LevelInfo))
	assert.Equal(t, int32(30), levelNumber(slog.LevelWarn))
	assert.Equal(t, int32(40), levelNumber(slog.LevelError))
}

func TestWithAttrsDoesNotMutateParent(t *testing.T) {
	w := &memWriter{}
	h := New(w, 0, slog.LevelInfo)

	child := h.WithAttrs([]slog.Attr{slog.String("component", "pool")})
	slog.New(child).Info("hello")
	slog.New(h).Info("plain")

	h.flush(context.Background())

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.rows, 2)
	assert.Equal(t, "hello component=pool", w.rows[0].Message)
	assert.Equal(t, "plain", w.rows[1].Message)
}
