package forward

import (
	"encoding/json"
	"testing"
)

func TestParseOpenAIRequestChat(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	p, err := parseOpenAIRequest("/v1/chat/completions", body)
	if err != nil {
		t.Fatalf("parseOpenAIRequest: %v", err)
	}

	if p.endpoint != endpointChat {
		t.Fatalf("endpoint = %d, want chat", p.endpoint)
	}
	if p.model != "gpt-4o" {
		t.Fatalf("model = %q", p.model)
	}
	if !p.stream || !p.hasStream {
		t.Fatalf("stream=%v hasStream=%v, want both true", p.stream, p.hasStream)
	}
	if len(p.messages) != 1 || p.messages[0]["content"] != "hi" {
		t.Fatalf("messages = %v", p.messages)
	}
	if !p.cacheable || p.cacheKey == "" {
		t.Fatalf("cacheable=%v cacheKey=%q", p.cacheable, p.cacheKey)
	}
	// No caching flag: the body forwards untouched.
	if string(p.body) != string(body) {
		t.Fatalf("body was rewritten: %s", p.body)
	}
	if p.caching != nil {
		t.Fatal("caching override should be nil when the flag is absent")
	}
}

func TestParseOpenAIRequestStripsCachingFlag(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"caching":false}`)
	p, err := parseOpenAIRequest("/v1/chat/completions", body)
	if err != nil {
		t.Fatalf("parseOpenAIRequest: %v", err)
	}

	if p.caching == nil || *p.caching {
		t.Fatalf("caching = %v, want explicit false", p.caching)
	}
	var forwarded map[string]any
	if err := json.Unmarshal(p.body, &forwarded); err != nil {
		t.Fatalf("forwarded body: %v", err)
	}
	if _, ok := forwarded["caching"]; ok {
		t.Fatal("caching flag must not reach the upstream")
	}
	if forwarded["model"] != "gpt-4o" {
		t.Fatalf("forwarded model = %v", forwarded["model"])
	}
}

func TestParseOpenAIRequestEmbeddings(t *testing.T) {
	p, err := parseOpenAIRequest("/v1/embeddings",
		[]byte(`{"model":"text-embedding-3-small","input":"hello"}`))
	if err != nil {
		t.Fatalf("parseOpenAIRequest: %v", err)
	}
	if p.endpoint != endpointEmbeddings {
		t.Fatalf("endpoint = %d, want embeddings", p.endpoint)
	}
	if p.cacheKey == "" {
		t.Fatal("embedding request should be fingerprinted")
	}
}

func TestParseOpenAIRequestOpaqueEndpoint(t *testing.T) {
	body := []byte(`this is not even json`)
	p, err := parseOpenAIRequest("/v1/models", body)
	if err != nil {
		t.Fatalf("opaque endpoints must not decode the body: %v", err)
	}
	if p.endpoint != endpointOther {
		t.Fatalf("endpoint = %d, want other", p.endpoint)
	}
	if string(p.body) != string(body) {
		t.Fatal("opaque body was rewritten")
	}
	if p.cacheable {
		t.Fatal("opaque openai endpoints are not fingerprinted")
	}
}

func TestParseOpenAIRequestInvalidJSON(t *testing.T) {
	if _, err := parseOpenAIRequest("/v1/chat/completions", []byte(`{broken`)); err == nil {
		t.Fatal("invalid chat body should fail")
	}
}

func TestParseGeneralRequest(t *testing.T) {
	body := []byte(`{"anything":"goes"}`)
	p := parseGeneralRequest("POST", "/custom/a", body)

	if !p.cacheable || p.cacheKey == "" {
		t.Fatalf("cacheable=%v cacheKey=%q", p.cacheable, p.cacheKey)
	}
	otherPath := parseGeneralRequest("POST", "/custom/b", body)
	if p.cacheKey == otherPath.cacheKey {
		t.Fatal("same body on different paths must not share a fingerprint")
	}
	otherMethod := parseGeneralRequest("GET", "/custom/a", body)
	if p.cacheKey == otherMethod.cacheKey {
		t.Fatal("same body with a different method must not share a fingerprint")
	}
}

func TestParseChatBody(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"choices": [{"message": {"role": "assistant", "content": "The sky is blue."}}]
	}`)
	result, ok := parseChatBody(body)
	if !ok {
		t.Fatal("parseChatBody failed")
	}
	if result.content != "The sky is blue." || result.model != "gpt-4o" {
		t.Fatalf("result = %+v", result)
	}
	if result.toolCalls != nil {
		t.Fatal("toolCalls should be nil for a text response")
	}

	if _, ok := parseChatBody([]byte(`{"choices":[]}`)); ok {
		t.Fatal("empty choices should not parse")
	}
	if _, ok := parseChatBody([]byte(`not json`)); ok {
		t.Fatal("garbage should not parse")
	}
}

func TestParseChatBodyToolCalls(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"choices": [{"message": {
			"role": "assistant",
			"content": null,
			"tool_calls": [{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]
		}}]
	}`)
	result, ok := parseChatBody(body)
	if !ok {
		t.Fatal("parseChatBody failed")
	}
	if result.toolCalls == nil {
		t.Fatal("toolCalls missing")
	}
	var calls []map[string]any
	if err := json.Unmarshal(result.toolCalls, &calls); err != nil || len(calls) != 1 {
		t.Fatalf("toolCalls = %s: %v", result.toolCalls, err)
	}
}

func TestParseChatStream(t *testing.T) {
	events := [][]byte{
		[]byte(`data: {"model":"gpt-4o","choices":[{"delta":{"role":"assistant"}}]}` + "\n\n"),
		[]byte(`data: {"model":"gpt-4o","choices":[{"delta":{"content":"The sky "}}]}` + "\n\n"),
		[]byte(`data: {"model":"gpt-4o","choices":[{"delta":{"content":"is blue."}}]}` + "\n\n"),
		[]byte(`data: {"model":"gpt-4o","choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n"),
	}
	result, ok := parseChatStream(events)
	if !ok {
		t.Fatal("parseChatStream failed")
	}
	if result.content != "The sky is blue." {
		t.Fatalf("content = %q", result.content)
	}
	if result.model != "gpt-4o" {
		t.Fatalf("model = %q", result.model)
	}
}

func TestParseChatStreamToolCalls(t *testing.T) {
	events := [][]byte{
		[]byte(`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}` + "\n\n"),
		[]byte(`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}` + "\n\n"),
		[]byte(`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]}}]}` + "\n\n"),
	}
	result, ok := parseChatStream(events)
	if !ok {
		t.Fatal("parseChatStream failed")
	}

	var calls []struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(result.toolCalls, &calls); err != nil {
		t.Fatalf("toolCalls %s: %v", result.toolCalls, err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Function.Name != "get_weather" {
		t.Fatalf("call = %+v", calls[0])
	}
	if calls[0].Function.Arguments != `{"city":"Oslo"}` {
		t.Fatalf("arguments = %q", calls[0].Function.Arguments)
	}
}

func TestParseChatStreamSkipsMalformedFrames(t *testing.T) {
	events := [][]byte{
		[]byte("data: {broken json\n\n"),
		[]byte(`data: {"choices":[{"delta":{"content":"ok"}}]}` + "\n\n"),
		[]byte("data: [DONE]\n\n"),
	}
	result, ok := parseChatStream(events)
	if !ok {
		t.Fatal("one good frame should be enough")
	}
	if result.content != "ok" {
		t.Fatalf("content = %q", result.content)
	}

	if _, ok := parseChatStream([][]byte{[]byte("data: [DONE]\n\n")}); ok {
		t.Fatal("terminator-only stream should not produce a result")
	}
}
