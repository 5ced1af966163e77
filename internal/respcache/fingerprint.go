// Package respcache implements the response cache: deterministic request
// fingerprints mapped to a bounded list of stored response variants in the
// durable kvstore, with replay of cached payloads as single-shot bodies or
// synthetic SSE streams.
package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ChatFields is the fingerprint input for chat-completion requests: the
// semantically identity-relevant subset of the payload. Temperature is
// excluded: it varies sampling, not output identity.
//
// Fields are decoded JSON values (maps with sorted-key marshalling), so two
// logically identical requests produce identical canonical bytes regardless
// of their original formatting or field order.
type ChatFields struct {
	N              any `json:"n"`
	Messages       any `json:"messages"`
	Model          any `json:"model"`
	MaxTokens      any `json:"max_tokens"`
	ResponseFormat any `json:"response_format"`
	Seed           any `json:"seed"`
	Tools          any `json:"tools"`
	ToolChoice     any `json:"tool_choice"`
}

// EmbeddingFields is the fingerprint input for embedding requests.
type EmbeddingFields struct {
	Model          any `json:"model"`
	Input          any `json:"input"`
	EncodingFormat any `json:"encoding_format"`
}

// ChatFingerprint returns the deterministic cache key for a chat request.
func ChatFingerprint(f ChatFields) string {
	return fingerprint(f)
}

// EmbeddingFingerprint returns the deterministic cache key for an embedding
// request.
func EmbeddingFingerprint(f EmbeddingFields) string {
	return fingerprint(f)
}

// GeneralFingerprint hashes the whole request body; used for routes where
// the payload shape is opaque to the gateway.
func GeneralFingerprint(routePath string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(routePath))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func fingerprint(fields any) string {
	// Struct field order is fixed and map keys marshal sorted, so the
	// serialization is canonical.
	data, _ := json.Marshal(fields)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
