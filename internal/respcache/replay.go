package respcache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// systemFingerprint is a fixed marker identifying replayed responses in
// otherwise OpenAI-shaped envelopes.
const systemFingerprint = "fp_0123456789"

type (
	replayMessage struct {
		Role      string          `json:"role"`
		Content   *string         `json:"content"`
		ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	}

	replayChoice struct {
		Index        int           `json:"index"`
		Message      replayMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	}

	replayUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	replayResponse struct {
		ID                string         `json:"id"`
		Object            string         `json:"object"`
		Created           int64          `json:"created"`
		Model             string         `json:"model"`
		Choices           []replayChoice `json:"choices"`
		Usage             replayUsage    `json:"usage"`
		SystemFingerprint string         `json:"system_fingerprint"`
	}

	deltaToolCallFunction struct {
		Name      *string `json:"name"`
		Arguments string  `json:"arguments"`
	}

	deltaToolCall struct {
		Index    int                    `json:"index"`
		ID       *string                `json:"id,omitempty"`
		Type     *string                `json:"type,omitempty"`
		Function *deltaToolCallFunction `json:"function,omitempty"`
	}

	delta struct {
		Role      string          `json:"role,omitempty"`
		Content   string          `json:"content,omitempty"`
		ToolCalls []deltaToolCall `json:"tool_calls,omitempty"`
	}

	streamChoice struct {
		Index        int     `json:"index"`
		Delta        delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}

	streamChunk struct {
		ID                string         `json:"id"`
		Object            string         `json:"object"`
		Created           int64          `json:"created"`
		Model             string         `json:"model"`
		Choices           []streamChoice `json:"choices"`
		SystemFingerprint string         `json:"system_fingerprint"`
	}
)

// ChatBody reconstructs a single-shot chat.completion envelope from a cached
// variant. Usage is zeroed: no upstream tokens were consumed.
func ChatBody(model string, v Variant) []byte {
	msg := replayMessage{Role: "assistant"}
	if v.ToolCalls != nil {
		msg.ToolCalls = json.RawMessage(v.ToolCalls)
	} else {
		content := v.Content
		msg.Content = &content
	}

	body, _ := json.Marshal(replayResponse{
		ID:                "chatcmpl-" + newUniqueID(),
		Object:            "chat.completion",
		Created:           time.Now().Unix(),
		Model:             model,
		Choices:           []replayChoice{{Index: 0, Message: msg, FinishReason: "stop"}},
		Usage:             replayUsage{},
		SystemFingerprint: systemFingerprint,
	})
	return body
}

// StreamFramer emits chat.completion.chunk SSE frames one at a time, sharing
// a single completion id and created timestamp across the stream. Callers
// that receive content incrementally can frame each piece as it arrives.
type StreamFramer struct {
	id      string
	created int64
	model   string
}

// NewStreamFramer opens a framer for one synthetic stream.
func NewStreamFramer(model string) *StreamFramer {
	return &StreamFramer{
		id:      "chatcmpl-" + newUniqueID(),
		created: time.Now().Unix(),
		model:   model,
	}
}

func (f *StreamFramer) frame(d delta, finish *string) []byte {
	data, _ := json.Marshal(streamChunk{
		ID:                f.id,
		Object:            "chat.completion.chunk",
		Created:           f.created,
		Model:             f.model,
		Choices:           []streamChoice{{Index: 0, Delta: d, FinishReason: finish}},
		SystemFingerprint: systemFingerprint,
	})
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

// Role is the opening assistant-role frame.
func (f *StreamFramer) Role() []byte { return f.frame(delta{Role: "assistant"}, nil) }

// Content carries one piece of assistant text.
func (f *StreamFramer) Content(piece string) []byte {
	return f.frame(delta{Content: piece}, nil)
}

// ToolCallHead opens a tool-call stream: role, call id, type, and name.
func (f *StreamFramer) ToolCallHead(name string) []byte {
	callID := "call_" + newUniqueID()
	callType := "function"
	return f.frame(delta{
		Role: "assistant",
		ToolCalls: []deltaToolCall{{
			ID:       &callID,
			Type:     &callType,
			Function: &deltaToolCallFunction{Name: &name},
		}},
	}, nil)
}

// ToolCallArguments carries one piece of the call's argument string.
func (f *StreamFramer) ToolCallArguments(piece string) []byte {
	return f.frame(delta{
		ToolCalls: []deltaToolCall{{
			Function: &deltaToolCallFunction{Arguments: piece},
		}},
	}, nil)
}

// Finish closes the assistant turn with the given finish_reason.
func (f *StreamFramer) Finish(reason string) []byte {
	return f.frame(delta{}, &reason)
}

// Done is the terminal frame.
func (f *StreamFramer) Done() []byte { return []byte("data: [DONE]\n\n") }

// ChatStreamFrames reconstructs a chat.completion.chunk SSE frame sequence
// from a cached variant: a role frame, one frame per content piece (or per
// tool-call argument piece), a finish frame, and the terminal [DONE] frame.
// The caller paces the frames through the token-rate gate exactly as it
// would pace a live upstream stream.
func ChatStreamFrames(model string, v Variant) [][]byte {
	f := NewStreamFramer(model)
	var frames [][]byte

	if v.ToolCalls != nil {
		name, arguments := firstToolCall(v.ToolCalls)
		frames = append(frames, f.ToolCallHead(name))
		for _, piece := range splitPieces(arguments) {
			frames = append(frames, f.ToolCallArguments(piece))
		}
		frames = append(frames, f.Finish("tool_calls"))
	} else {
		frames = append(frames, f.Role())
		for _, piece := range splitPieces(v.Content) {
			frames = append(frames, f.Content(piece))
		}
		frames = append(frames, f.Finish("stop"))
	}

	frames = append(frames, f.Done())
	return frames
}

// firstToolCall extracts the function name and argument string of the first
// call in a stored tool_calls array.
func firstToolCall(raw []byte) (name, arguments string) {
	var calls []struct {
		Function struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &calls); err != nil || len(calls) == 0 {
		return "", ""
	}
	name = calls[0].Function.Name

	// Arguments may be stored as a JSON string or as a nested object.
	var s string
	if err := json.Unmarshal(calls[0].Function.Arguments, &s); err == nil {
		return name, s
	}
	return name, string(calls[0].Function.Arguments)
}

// splitPieces cuts text into word-sized emission units, preserving the
// original whitespace so the concatenation of all pieces equals the input.
func splitPieces(text string) []string {
	if text == "" {
		return nil
	}
	var pieces []string
	var b strings.Builder
	inSpace := false
	for _, r := range text {
		isSpace := r == ' ' || r == '\n' || r == '\t'
		if b.Len() > 0 && inSpace && !isSpace {
			pieces = append(pieces, b.String())
			b.Reset()
		}
		b.WriteRune(r)
		inSpace = isSpace
	}
	if b.Len() > 0 {
		pieces = append(pieces, b.String())
	}
	return pieces
}

func newUniqueID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
