package forward

import (
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/llm-forward/internal/respcache"
)

type endpointKind int

const (
	endpointOther endpointKind = iota
	endpointChat
	endpointEmbeddings
)

// requestProfile is everything the relay pipeline needs to know about an
// inbound body: what endpoint it targets, the model it names, whether the
// client asked for a stream, the cache fingerprint, and the body to send
// upstream (the per-request "caching" flag is stripped before forwarding).
type requestProfile struct {
	endpoint  endpointKind
	model     string
	stream    bool
	hasStream bool
	messages  []map[string]any
	cacheKey  string
	cacheable bool
	caching   *bool
	body      []byte
}

// parseOpenAIRequest inspects the body of an openai-kind request. Chat
// completion and embedding bodies are decoded for model extraction and
// fingerprinting; every other endpoint passes through opaque.
func parseOpenAIRequest(upstreamPath string, body []byte) (*requestProfile, error) {
	p := &requestProfile{endpoint: endpointOther, body: body}

	switch {
	case strings.HasSuffix(upstreamPath, "/chat/completions"):
		p.endpoint = endpointChat
	case strings.HasSuffix(upstreamPath, "/embeddings"):
		p.endpoint = endpointEmbeddings
	default:
		return p, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	p.model, _ = payload["model"].(string)
	if v, ok := payload["stream"].(bool); ok {
		p.stream = v
		p.hasStream = true
	}
	if v, ok := payload["caching"].(bool); ok {
		p.caching = &v
		delete(payload, "caching")
		stripped, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		p.body = stripped
	}

	if msgs, ok := payload["messages"].([]any); ok {
		for _, m := range msgs {
			if mm, ok := m.(map[string]any); ok {
				p.messages = append(p.messages, mm)
			}
		}
	}

	p.cacheable = true
	switch p.endpoint {
	case endpointChat:
		p.cacheKey = respcache.ChatFingerprint(respcache.ChatFields{
			N:              payload["n"],
			Messages:       payload["messages"],
			Model:          payload["model"],
			MaxTokens:      payload["max_tokens"],
			ResponseFormat: payload["response_format"],
			Seed:           payload["seed"],
			Tools:          payload["tools"],
			ToolChoice:     payload["tool_choice"],
		})
	case endpointEmbeddings:
		p.cacheKey = respcache.EmbeddingFingerprint(respcache.EmbeddingFields{
			Model:          payload["model"],
			Input:          payload["input"],
			EncodingFormat: payload["encoding_format"],
		})
	}

	return p, nil
}

// parseGeneralRequest fingerprints an opaque body over the request method and
// full path, so identical bytes sent to different endpoints never collide.
func parseGeneralRequest(method, path string, body []byte) *requestProfile {
	return &requestProfile{
		endpoint:  endpointOther,
		body:      body,
		cacheable: true,
		cacheKey:  respcache.GeneralFingerprint(method+" "+path, body),
	}
}

// chatResult is the assistant output distilled from an upstream response.
type chatResult struct {
	content   string
	toolCalls []byte
	model     string
}

type chatCompletionBody struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string          `json:"content"`
			ToolCalls json.RawMessage `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// parseChatBody extracts the first choice of a single-shot completion.
func parseChatBody(body []byte) (chatResult, bool) {
	var parsed chatCompletionBody
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return chatResult{}, false
	}
	r := chatResult{content: parsed.Choices[0].Message.Content, model: parsed.Model}
	if tc := parsed.Choices[0].Message.ToolCalls; len(tc) > 0 && string(tc) != "null" {
		r.toolCalls = []byte(tc)
	}
	return r, true
}

type chatChunkBody struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int     `json:"index"`
				ID       *string `json:"id"`
				Type     *string `json:"type"`
				Function *struct {
					Name      *string `json:"name"`
					Arguments string  `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

type toolCallBuild struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// parseChatStream folds an SSE event sequence back into the assistant
// message it carried. Events that are not data frames and frames that fail
// to decode are skipped rather than failing the whole accumulation.
func parseChatStream(events [][]byte) (chatResult, bool) {
	var (
		content strings.Builder
		calls   []*toolCallBuild
		model   string
		seen    bool
	)

	byIndex := func(i int) *toolCallBuild {
		for len(calls) <= i {
			calls = append(calls, &toolCallBuild{})
		}
		return calls[i]
	}

	for _, event := range events {
		for _, line := range strings.Split(string(event), "\n") {
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok || data == "[DONE]" {
				continue
			}
			var chunk chatChunkBody
			if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
				continue
			}
			seen = true
			if chunk.Model != "" {
				model = chunk.Model
			}
			delta := chunk.Choices[0].Delta
			content.WriteString(delta.Content)
			for _, tc := range delta.ToolCalls {
				b := byIndex(tc.Index)
				if tc.ID != nil {
					b.ID = *tc.ID
				}
				if tc.Type != nil {
					b.Type = *tc.Type
				}
				if tc.Function != nil {
					if tc.Function.Name != nil {
						b.Function.Name = *tc.Function.Name
					}
					b.Function.Arguments += tc.Function.Arguments
				}
			}
		}
	}

	if !seen {
		return chatResult{}, false
	}

	r := chatResult{content: content.String(), model: model}
	if len(calls) > 0 {
		raw, err := json.Marshal(calls)
		if err == nil {
			r.toolCalls = raw
		}
	}
	return r, true
}
