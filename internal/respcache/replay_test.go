package respcache

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestChatBodyEnvelope(t *testing.T) {
	body := ChatBody("gpt-4o", Variant{Content: "The sky is blue."})

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role      string          `json:"role"`
				Content   *string         `json:"content"`
				ToolCalls json.RawMessage `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
		SystemFingerprint string `json:"system_fingerprint"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("id = %q, want chatcmpl- prefix", resp.ID)
	}
	if resp.Object != "chat.completion" || resp.Model != "gpt-4o" {
		t.Fatalf("object=%q model=%q", resp.Object, resp.Model)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.Message.Role != "assistant" || choice.Message.Content == nil || *choice.Message.Content != "The sky is blue." {
		t.Fatalf("message = %+v", choice.Message)
	}
	if choice.FinishReason != "stop" {
		t.Fatalf("finish_reason = %q, want stop", choice.FinishReason)
	}
	if resp.Usage.TotalTokens != 0 {
		t.Fatalf("replayed responses must report zero usage, got %d", resp.Usage.TotalTokens)
	}
	if resp.SystemFingerprint != systemFingerprint {
		t.Fatalf("system_fingerprint = %q", resp.SystemFingerprint)
	}
}

func TestChatBodyToolCalls(t *testing.T) {
	calls := `[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}]`
	body := ChatBody("gpt-4o", Variant{ToolCalls: []byte(calls)})

	var resp struct {
		Choices []struct {
			Message struct {
				Content   *string         `json:"content"`
				ToolCalls json.RawMessage `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg := resp.Choices[0].Message
	if msg.Content != nil {
		t.Fatalf("content = %q, want absent for tool-call replay", *msg.Content)
	}
	var got, want any
	if err := json.Unmarshal(msg.ToolCalls, &got); err != nil {
		t.Fatalf("tool_calls: %v", err)
	}
	if err := json.Unmarshal([]byte(calls), &want); err != nil {
		t.Fatalf("want: %v", err)
	}
	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if !bytes.Equal(gotJSON, wantJSON) {
		t.Fatalf("tool_calls = %s, want %s", gotJSON, wantJSON)
	}
}

// decodeFrame strips the "data: " prefix and trailing separator of one SSE
// frame and unmarshals the chunk.
func decodeFrame(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	data := bytes.TrimSuffix(bytes.TrimPrefix(frame, []byte("data: ")), []byte("\n\n"))
	var chunk map[string]any
	if err := json.Unmarshal(data, &chunk); err != nil {
		t.Fatalf("frame %q: %v", frame, err)
	}
	return chunk
}

func frameDelta(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	chunk := decodeFrame(t, frame)
	choices := chunk["choices"].([]any)
	return choices[0].(map[string]any)["delta"].(map[string]any)
}

func TestChatStreamFramesContent(t *testing.T) {
	content := "The sky is blue."
	frames := ChatStreamFrames("gpt-4o", Variant{Content: content})

	if len(frames) < 3 {
		t.Fatalf("got %d frames, want role + content + finish at minimum", len(frames))
	}

	// First frame announces the assistant role.
	if role := frameDelta(t, frames[0])["role"]; role != "assistant" {
		t.Fatalf("first frame role = %v", role)
	}

	// The content frames concatenate back to the stored text.
	var rebuilt strings.Builder
	for _, f := range frames[1 : len(frames)-2] {
		if piece, ok := frameDelta(t, f)["content"].(string); ok {
			rebuilt.WriteString(piece)
		}
	}
	if rebuilt.String() != content {
		t.Fatalf("reassembled content = %q, want %q", rebuilt.String(), content)
	}

	// Penultimate frame carries the finish reason, last is the terminator.
	finishChunk := decodeFrame(t, frames[len(frames)-2])
	choice := finishChunk["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "stop" {
		t.Fatalf("finish_reason = %v, want stop", choice["finish_reason"])
	}
	if string(frames[len(frames)-1]) != "data: [DONE]\n\n" {
		t.Fatalf("terminal frame = %q", frames[len(frames)-1])
	}

	// All frames share one chunk id.
	id := decodeFrame(t, frames[0])["id"]
	for _, f := range frames[:len(frames)-1] {
		if decodeFrame(t, f)["id"] != id {
			t.Fatal("frames do not share a chunk id")
		}
	}
}

func TestChatStreamFramesToolCalls(t *testing.T) {
	calls := `[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\": \"Oslo\"}"}}]`
	frames := ChatStreamFrames("gpt-4o", Variant{ToolCalls: []byte(calls)})

	head := frameDelta(t, frames[0])
	headCalls := head["tool_calls"].([]any)[0].(map[string]any)
	fn := headCalls["function"].(map[string]any)
	if fn["name"] != "get_weather" {
		t.Fatalf("first frame function name = %v", fn["name"])
	}
	if headCalls["type"] != "function" {
		t.Fatalf("first frame call type = %v", headCalls["type"])
	}

	var args strings.Builder
	for _, f := range frames[1 : len(frames)-2] {
		d := frameDelta(t, f)
		tc, ok := d["tool_calls"].([]any)
		if !ok {
			continue
		}
		fn := tc[0].(map[string]any)["function"].(map[string]any)
		if piece, ok := fn["arguments"].(string); ok {
			args.WriteString(piece)
		}
	}
	if args.String() != `{"city": "Oslo"}` {
		t.Fatalf("reassembled arguments = %q", args.String())
	}

	finishChunk := decodeFrame(t, frames[len(frames)-2])
	choice := finishChunk["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "tool_calls" {
		t.Fatalf("finish_reason = %v, want tool_calls", choice["finish_reason"])
	}
}

func TestSplitPiecesPreservesText(t *testing.T) {
	cases := []string{
		"",
		"word",
		"two words",
		"  leading and trailing  ",
		"line one\nline two\n",
		"tabs\tand  double  spaces",
	}
	for _, text := range cases {
		pieces := splitPieces(text)
		if strings.Join(pieces, "") != text {
			t.Fatalf("splitPieces(%q) pieces %q do not rebuild the input", text, pieces)
		}
		for i, p := range pieces[1:] {
			if p == "" {
				t.Fatalf("splitPieces(%q) produced empty piece at %d", text, i+1)
			}
		}
	}
}
