package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	s := New(backend, Options{FlushInterval: time.Hour})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestStoreReadsObserveBufferedWrites(t *testing.T) {
	backend := NewMemory()
	s := newTestStore(t, backend)

	s.Set("k1", []byte("v1"))
	if got, ok := s.Get("k1"); !ok || string(got) != "v1" {
		t.Fatalf("Get before flush = %q, %v", got, ok)
	}
	// The write has not reached the backend yet.
	if backend.Len() != 0 {
		t.Fatalf("backend has %d entries before flush", backend.Len())
	}

	s.Flush()
	if backend.Len() != 1 {
		t.Fatalf("backend has %d entries after flush, want 1", backend.Len())
	}
	if got, ok := s.Get("k1"); !ok || string(got) != "v1" {
		t.Fatalf("Get after flush = %q, %v", got, ok)
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending = %d after flush, want 0", s.Pending())
	}
}

func TestStoreDeleteMasksBackendValue(t *testing.T) {
	backend := NewMemory()
	s := newTestStore(t, backend)

	s.Set("k1", []byte("v1"))
	s.Flush()

	s.Delete("k1")
	// The delete is still buffered but reads already see the key gone.
	if _, ok := s.Get("k1"); ok {
		t.Fatal("Get should miss a key pending deletion")
	}

	s.Flush()
	if backend.Len() != 0 {
		t.Fatalf("backend still holds %d entries after delete flush", backend.Len())
	}
}

func TestStoreSetAfterDeleteRevives(t *testing.T) {
	s := newTestStore(t, NewMemory())

	s.Set("k", []byte("a"))
	s.Delete("k")
	s.Set("k", []byte("b"))

	if got, ok := s.Get("k"); !ok || string(got) != "b" {
		t.Fatalf("Get = %q, %v, want %q", got, ok, "b")
	}
	s.Flush()
	if got, ok := s.Get("k"); !ok || string(got) != "b" {
		t.Fatalf("Get after flush = %q, %v, want %q", got, ok, "b")
	}
}

func TestStoreEagerFlushAtHighWaterMark(t *testing.T) {
	backend := NewMemory()
	s := New(backend, Options{BufferSize: 4, FlushInterval: time.Hour})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	}()

	for i := 0; i < 4; i++ {
		s.Set(string(rune('a'+i)), []byte("v"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for backend.Len() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("eager flush did not run, backend has %d entries", backend.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStoreCloseFlushesRemainingWrites(t *testing.T) {
	backend := NewMemory()
	s := New(backend, Options{FlushInterval: time.Hour})

	s.Set("k", []byte("v"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if v, ok, _ := backend.Get("k"); !ok || string(v) != "v" {
		t.Fatalf("backend after Close = %q, %v", v, ok)
	}
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()

	backend, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	err = backend.WriteBatch(map[string][]byte{
		"k1": []byte("v1"),
		"k2": []byte("v2"),
	}, nil)
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := backend.WriteBatch(map[string][]byte{"k1": []byte("v1b")}, []string{"k2"}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	if v, ok, err := backend.Get("k1"); err != nil || !ok || string(v) != "v1b" {
		t.Fatalf("Get(k1) = %q, %v, %v", v, ok, err)
	}
	if _, ok, err := backend.Get("k2"); err != nil || ok {
		t.Fatalf("Get(k2) should miss after delete, ok=%v err=%v", ok, err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Values survive a reopen.
	backend, err = OpenSQLite(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer backend.Close()
	if v, ok, err := backend.Get("k1"); err != nil || !ok || string(v) != "v1b" {
		t.Fatalf("Get(k1) after reopen = %q, %v, %v", v, ok, err)
	}
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisFromClient(cli)
	defer backend.Close()

	if err := backend.WriteBatch(map[string][]byte{"k": []byte("v")}, nil); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if v, ok, err := backend.Get("k"); err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if err := backend.WriteBatch(nil, []string{"k"}); err != nil {
		t.Fatalf("WriteBatch delete: %v", err)
	}
	if _, ok, err := backend.Get("k"); err != nil || ok {
		t.Fatalf("Get after delete, ok=%v err=%v", ok, err)
	}
}
