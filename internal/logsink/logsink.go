// Package logsink ships structured log records to the warehouse so the whole
// fleet can be inspected from one table. Records are buffered in a bounded
// queue and flushed in batches; when the queue is full new records are
// dropped rather than blocking the caller.
package logsink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/voxharbor/voxharbor/store"
)

const (
	queueSize     = 100_000
	flushInterval = 5 * time.Second
)

// Writer persists batches of log records.
type Writer interface {
	InsertLogs(ctx context.Context, rows []store.LogRecord) error
}

// Handler is a slog.Handler that queues records for warehouse insertion.
type Handler struct {
	writer Writer
	shard  int32
	fqdn   string
	level  slog.Level
	attrs  []slog.Attr
	group  string
	queue  chan store.LogRecord
	done   chan struct{}
}

// New builds a handler writing to w. Run must be started for records to be
// flushed.
func New(w Writer, shard int, level slog.Level) *Handler {
	fqdn, err := os.Hostname()
	if err != nil {
		fqdn = "unknown"
	}
	return &Handler{
		writer: w,
		shard:  int32(shard),
		fqdn:   fqdn,
		level:  level,
		queue:  make(chan store.LogRecord, queueSize),
		done:   make(chan struct{}),
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	filename, funcName, line := callerInfo(r.PC)

	var sb strings.Builder
	sb.WriteString(r.Message)
	appendAttr := func(a slog.Attr) bool {
		sb.WriteString(" ")
		if h.group != "" {
			sb.WriteString(h.group)
			sb.WriteString(".")
		}
		sb.WriteString(a.Key)
		sb.WriteString("=")
		sb.WriteString(fmt.Sprint(a.Value.Any()))
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(appendAttr)

	rec := store.LogRecord{
		Created:  r.Time,
		Filename: filename,
		FuncName: funcName,
		Level:    levelNumber(r.Level),
		Line:     int32(line),
		Message:  sb.String(),
		Name:     "voxharbor",
		Shard:    h.shard,
		FQDN:     h.fqdn,
	}

	select {
	case h.queue <- rec:
	default:
		// Queue full, drop on the floor.
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		clone.group = clone.group + "." + name
	} else {
		clone.group = name
	}
	return &clone
}

// Run flushes queued records every few seconds until ctx is cancelled, then
// drains whatever is left.
func (h *Handler) Run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.flush(context.Background())
			return
		case <-ticker.C:
			h.flush(ctx)
		}
	}
}

// Wait blocks until Run has drained and returned.
func (h *Handler) Wait() {
	<-h.done
}

func (h *Handler) flush(ctx context.Context) {
	var batch []store.LogRecord
	for {
		select {
		case rec := <-h.queue:
			batch = append(batch, rec)
		default:
			if len(batch) == 0 {
				return
			}
			// Insertion failures are not re-queued; logging about them
			// here would loop.
			_ = h.writer.InsertLogs(ctx, batch)
			return
		}
	}
}

// levelNumber maps slog levels onto the conventional 10/20/30/40 scale used
// by the logs table.
func levelNumber(l slog.Level) int32 {
	switch {
	case l < slog.LevelInfo:
		return 10
	case l < slog.LevelWarn:
		return 20
	case l < slog.LevelError:
		return 30
	default:
		return 40
	}
}

func callerInfo(pc uintptr) (filename, funcName string, line int) {
	if pc == 0 {
		return "", "", 0
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	file := frame.File
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	fn := frame.Function
	if i := strings.LastIndexByte(fn, '.'); i >= 0 {
		fn = fn[i+1:]
	}
	return file, fn, frame.Line
}

// Fanout duplicates records to several handlers, typically stderr plus the
// warehouse sink.
type Fanout []slog.Handler

func (f Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f Fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(Fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f Fanout) WithGroup(name string) slog.Handler {
	out := make(Fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
