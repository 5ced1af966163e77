package kvstore

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store layers a write-back buffer over a durable Backend.
//
// Writes land in an in-memory buffer and are committed to the backend in
// batches by a dedicated flush worker, so the request path never waits on
// disk or network I/O. Reads always observe the most recent write: the
// buffer and the pending-delete set are consulted before the backend.
//
// The flush worker wakes on (a) an explicit Flush call, (b) the buffer
// crossing its high-water mark, or (c) the maximum commit interval elapsing.
type Store struct {
	backend Backend
	log     *slog.Logger

	mu      sync.Mutex
	buffer  map[string][]byte
	deleted map[string]struct{}

	wake chan chan struct{} // carries an optional completion ack
	done chan struct{}
	wg   sync.WaitGroup

	bufferSize    int
	flushInterval time.Duration
}

// Options tunes the write-back behaviour. Zero values use defaults.
type Options struct {
	// BufferSize is the entry count that triggers an eager flush. Default: 64.
	BufferSize int
	// FlushInterval is the maximum time a write stays buffered. Default: 5s.
	FlushInterval time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a Store over backend and starts the flush worker.
func New(backend Backend, opts Options) *Store {
	if opts.BufferSize < 1 {
		opts.BufferSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		backend:       backend,
		log:           opts.Logger,
		buffer:        make(map[string][]byte),
		deleted:       make(map[string]struct{}),
		wake:          make(chan chan struct{}, 1),
		done:          make(chan struct{}),
		bufferSize:    opts.BufferSize,
		flushInterval: opts.FlushInterval,
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Get returns the value for key, consulting the write buffer before the
// durable backend. A key pending deletion is absent even if the backend
// still holds it. Backend errors read as a miss; the cache layer must
// degrade, not fail the request.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	if v, ok := s.buffer[key]; ok {
		s.mu.Unlock()
		return v, true
	}
	if _, ok := s.deleted[key]; ok {
		s.mu.Unlock()
		return nil, false
	}
	s.mu.Unlock()

	v, ok, err := s.backend.Get(key)
	if err != nil {
		s.log.Warn("kvstore_get_error",
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return v, ok
}

// Set stores value under key in the write buffer. It never blocks on
// durable persistence; crossing the high-water mark only signals the worker.
func (s *Store) Set(key string, value []byte) {
	s.mu.Lock()
	s.buffer[key] = value
	delete(s.deleted, key)
	over := len(s.buffer) >= s.bufferSize
	s.mu.Unlock()

	if over {
		s.signal(nil)
	}
}

// Delete marks key pending-deletion. Subsequent Gets return absent even
// before the deletion reaches the backend.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.buffer, key)
	s.deleted[key] = struct{}{}
	s.mu.Unlock()
}

// Flush forces a synchronous flush of the current buffer and delete-set.
func (s *Store) Flush() {
	ack := make(chan struct{})
	select {
	case s.wake <- ack:
		<-ack
	case <-s.done:
	}
}

// Close stops the worker after one final flush, waiting at most the given
// grace period. A flush that cannot finish in time is reported and
// abandoned; shutdown proceeds and the still-buffered entries are lost.
func (s *Store) Close(ctx context.Context) error {
	close(s.done)

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		s.mu.Lock()
		pending := len(s.buffer) + len(s.deleted)
		s.mu.Unlock()
		s.log.Warn("kvstore_shutdown_flush_incomplete",
			slog.Int("pending_entries", pending),
		)
	}

	return s.backend.Close()
}

// Pending returns the number of buffered writes and pending deletes.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer) + len(s.deleted)
}

func (s *Store) signal(ack chan struct{}) {
	select {
	case s.wake <- ack:
	default:
		if ack != nil {
			close(ack)
		}
	}
}

func (s *Store) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ack := <-s.wake:
			s.flush()
			if ack != nil {
				close(ack)
			}

		case <-ticker.C:
			s.flush()

		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush snapshots the buffer and delete-set under the lock, writes the batch
// to the backend without holding it, then reconciles: only keys whose value
// is unchanged since the snapshot are removed from the live buffer, so a
// write that raced the flush survives to the next one.
func (s *Store) flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 && len(s.deleted) == 0 {
		s.mu.Unlock()
		return
	}
	snapshot := make(map[string][]byte, len(s.buffer))
	for k, v := range s.buffer {
		snapshot[k] = v
	}
	dels := make([]string, 0, len(s.deleted))
	for k := range s.deleted {
		dels = append(dels, k)
	}
	s.mu.Unlock()

	if err := s.backend.WriteBatch(snapshot, dels); err != nil {
		s.log.Warn("kvstore_flush_error",
			slog.Int("entries", len(snapshot)),
			slog.Int("deletes", len(dels)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	for k, v := range snapshot {
		if cur, ok := s.buffer[k]; ok && bytes.Equal(cur, v) {
			delete(s.buffer, k)
		}
	}
	for _, k := range dels {
		delete(s.deleted, k)
	}
	s.mu.Unlock()
}
