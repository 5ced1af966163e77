package respcache

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/nulpointcorp/llm-forward/internal/kvstore"
)

// Default per-key variant bounds. Chat responses keep more variants to
// preserve output diversity across hits; generic payloads keep fewer.
const (
	ChatVariantBound    = 10
	GeneralVariantBound = 3
)

// Variant is one stored candidate response for a fingerprint.
//
// Content/ToolCalls hold the parsed assistant result for chat responses and
// drive single-shot and synthetic-stream reconstruction. Chunks holds the
// accumulated byte chunks in arrival order; Body holds the full payload for
// generic responses.
type Variant struct {
	Content   string
	ToolCalls []byte // raw JSON array, nil when the response was plain text
	Chunks    [][]byte
	Body      []byte
}

// Entry is the stored value for one fingerprint.
type Entry struct {
	RoutePath string
	Variants  []Variant
}

// Cache stores and retrieves response variants keyed by fingerprint.
// Entries only grow: variants are appended until the per-key bound is
// reached and are never overwritten or removed by this layer.
type Cache struct {
	store *kvstore.Store

	// mu serializes read-modify-write appends for the same key.
	mu sync.Mutex
}

// New creates a Cache over the given store.
func New(store *kvstore.Store) *Cache {
	return &Cache{store: store}
}

// Lookup returns a uniformly random variant among those stored for key.
// Repeated identical requests deliberately do not always replay the same
// stored response.
func (c *Cache) Lookup(key string) (Variant, bool) {
	raw, ok := c.store.Get(key)
	if !ok {
		return Variant{}, false
	}
	entry, err := decodeEntry(raw)
	if err != nil || len(entry.Variants) == 0 {
		return Variant{}, false
	}
	return entry.Variants[rand.IntN(len(entry.Variants))], true
}

// Store appends v as a new variant for key unless the bound is already
// reached. Existing variants are never replaced.
func (c *Cache) Store(key, routePath string, v Variant, bound int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{RoutePath: routePath}
	if raw, ok := c.store.Get(key); ok {
		if decoded, err := decodeEntry(raw); err == nil {
			entry = decoded
		}
	}

	if len(entry.Variants) >= bound {
		return
	}
	entry.Variants = append(entry.Variants, v)

	raw, err := encodeEntry(entry)
	if err != nil {
		return
	}
	c.store.Set(key, raw)
}

// VariantCount reports how many variants are stored for key.
func (c *Cache) VariantCount(key string) int {
	raw, ok := c.store.Get(key)
	if !ok {
		return 0
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return 0
	}
	return len(entry.Variants)
}

// ── Serialization: type-tagged kvstore encoding ──────────────────────────────

func encodeEntry(e Entry) ([]byte, error) {
	variants := make([]any, len(e.Variants))
	for i, v := range e.Variants {
		chunks := make([]any, len(v.Chunks))
		for j, ch := range v.Chunks {
			chunks[j] = ch
		}
		m := map[string]any{
			"content": v.Content,
			"chunks":  chunks,
		}
		if v.ToolCalls != nil {
			m["tool_calls"] = v.ToolCalls
		}
		if v.Body != nil {
			m["body"] = v.Body
		}
		variants[i] = m
	}
	return kvstore.Encode(map[string]any{
		"route_path": e.RoutePath,
		"data":       variants,
	})
}

func decodeEntry(raw []byte) (Entry, error) {
	v, err := kvstore.Decode(raw)
	if err != nil {
		return Entry{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Entry{}, fmt.Errorf("respcache: entry is %T, want map", v)
	}

	entry := Entry{}
	entry.RoutePath, _ = m["route_path"].(string)

	list, _ := m["data"].([]any)
	for _, el := range list {
		vm, ok := el.(map[string]any)
		if !ok {
			return Entry{}, fmt.Errorf("respcache: variant is %T, want map", el)
		}
		variant := Variant{}
		variant.Content, _ = vm["content"].(string)
		variant.ToolCalls, _ = vm["tool_calls"].([]byte)
		variant.Body, _ = vm["body"].([]byte)
		if chunks, ok := vm["chunks"].([]any); ok {
			variant.Chunks = make([][]byte, 0, len(chunks))
			for _, ch := range chunks {
				b, ok := ch.([]byte)
				if !ok {
					return Entry{}, fmt.Errorf("respcache: chunk is %T, want bytes", ch)
				}
				variant.Chunks = append(variant.Chunks, b)
			}
		}
		entry.Variants = append(entry.Variants, variant)
	}

	return entry, nil
}
