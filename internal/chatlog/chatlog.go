// Package chatlog implements a non-blocking, batched chat transcript logger.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine, so logging never blocks the forwarding hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedEntries.
package chatlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry is one side of a chat exchange. A request produces a "user" entry
// with the inbound messages; a completed response produces an "assistant"
// entry carrying the parsed content or tool calls, tied together by UID.
type Entry struct {
	UID       string
	Route     string
	Model     string
	Messages  []map[string]any
	Role      string
	Content   string
	ToolCalls string
	IP        string
	CreatedAt time.Time
}

type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEntries int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("chatlog: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues an entry without blocking; nil receivers are no-ops so
// callers need not check whether chat logging is enabled.
func (l *Logger) Log(entry Entry) {
	if l == nil {
		return
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedEntries, 1)
	}
}

func (l *Logger) DroppedEntries() int64 {
	if l == nil {
		return 0
	}
	return atomic.LoadInt64(&l.droppedEntries)
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			attrs := []any{
				slog.String("uid", e.UID),
				slog.String("route", e.Route),
				slog.String("model", e.Model),
				slog.String("role", e.Role),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			}
			if e.Role == "user" {
				attrs = append(attrs,
					slog.Any("messages", e.Messages),
					slog.String("ip", e.IP),
				)
			} else if e.ToolCalls != "" {
				attrs = append(attrs, slog.String("tool_calls", e.ToolCalls))
			} else {
				attrs = append(attrs, slog.String("content", e.Content))
			}
			l.log.InfoContext(ctx, "chat", attrs...)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
