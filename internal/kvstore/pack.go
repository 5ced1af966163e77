// Package kvstore provides the durable, crash-safe key-value store behind
// the response cache: a mutex-guarded write-back buffer in front of a
// pluggable backend, flushed in atomic batches by a background worker.
package kvstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Type tags. Every encoded value starts with exactly one tag byte so decode
// is unambiguous without external schema.
const (
	tagNil    = 'n'
	tagString = 's'
	tagInt    = 'i'
	tagFloat  = 'f'
	tagBool   = 'b'
	tagBytes  = 'y'
	tagList   = 'l'
	tagMap    = 'm'
)

// Encode serializes v into a type-tagged byte blob.
//
// Supported types: nil, string, int/int64, float64, bool, []byte, []any and
// map[string]any (recursively). Map entries are written in sorted key order
// so encoding is deterministic.
func Encode(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return []byte{tagNil}, nil

	case string:
		return append([]byte{tagString}, x...), nil

	case int:
		return encodeInt(int64(x)), nil
	case int64:
		return encodeInt(x), nil

	case float64:
		buf := make([]byte, 9)
		buf[0] = tagFloat
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(x))
		return buf, nil

	case bool:
		if x {
			return []byte{tagBool, 1}, nil
		}
		return []byte{tagBool, 0}, nil

	case []byte:
		return append([]byte{tagBytes}, x...), nil

	case []any:
		out := []byte{tagList}
		out = binary.AppendUvarint(out, uint64(len(x)))
		for _, el := range x {
			enc, err := Encode(el)
			if err != nil {
				return nil, err
			}
			out = binary.AppendUvarint(out, uint64(len(enc)))
			out = append(out, enc...)
		}
		return out, nil

	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte{tagMap}
		out = binary.AppendUvarint(out, uint64(len(keys)))
		for _, k := range keys {
			out = binary.AppendUvarint(out, uint64(len(k)))
			out = append(out, k...)
			enc, err := Encode(x[k])
			if err != nil {
				return nil, err
			}
			out = binary.AppendUvarint(out, uint64(len(enc)))
			out = append(out, enc...)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("kvstore: cannot encode value of type %T", v)
	}
}

// Decode deserializes a blob produced by Encode. Integers come back as
// int64, lists as []any and maps as map[string]any.
func Decode(data []byte) (any, error) {
	v, rest, err := decode(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("kvstore: %d trailing bytes after value", len(rest))
	}
	return v, nil
}

func encodeInt(x int64) []byte {
	buf := make([]byte, 9)
	buf[0] = tagInt
	binary.BigEndian.PutUint64(buf[1:], uint64(x))
	return buf
}

func decode(data []byte) (any, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("kvstore: empty value")
	}
	tag, body := data[0], data[1:]

	switch tag {
	case tagNil:
		return nil, body, nil

	case tagString:
		return string(body), nil, nil

	case tagInt:
		if len(body) != 8 {
			return nil, nil, fmt.Errorf("kvstore: int value has %d bytes, want 8", len(body))
		}
		return int64(binary.BigEndian.Uint64(body)), nil, nil

	case tagFloat:
		if len(body) != 8 {
			return nil, nil, fmt.Errorf("kvstore: float value has %d bytes, want 8", len(body))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(body)), nil, nil

	case tagBool:
		if len(body) != 1 {
			return nil, nil, fmt.Errorf("kvstore: bool value has %d bytes, want 1", len(body))
		}
		return body[0] == 1, nil, nil

	case tagBytes:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil, nil

	case tagList:
		n, consumed := binary.Uvarint(body)
		if consumed <= 0 {
			return nil, nil, fmt.Errorf("kvstore: bad list length")
		}
		body = body[consumed:]
		list := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			enc, rest, err := readChunk(body)
			if err != nil {
				return nil, nil, err
			}
			el, _, err := decode(enc)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, el)
			body = rest
		}
		return list, body, nil

	case tagMap:
		n, consumed := binary.Uvarint(body)
		if consumed <= 0 {
			return nil, nil, fmt.Errorf("kvstore: bad map length")
		}
		body = body[consumed:]
		m := make(map[string]any, n)
		for i := uint64(0); i < n; i++ {
			keyBytes, rest, err := readChunk(body)
			if err != nil {
				return nil, nil, err
			}
			enc, rest, err := readChunk(rest)
			if err != nil {
				return nil, nil, err
			}
			val, _, err := decode(enc)
			if err != nil {
				return nil, nil, err
			}
			m[string(keyBytes)] = val
			body = rest
		}
		return m, body, nil

	default:
		return nil, nil, fmt.Errorf("kvstore: unknown type tag %q", tag)
	}
}

// readChunk reads one uvarint-length-prefixed chunk.
func readChunk(data []byte) (chunk, rest []byte, err error) {
	n, consumed := binary.Uvarint(data)
	if consumed <= 0 || uint64(len(data)-consumed) < n {
		return nil, nil, fmt.Errorf("kvstore: truncated chunk")
	}
	return data[consumed : consumed+int(n)], data[consumed+int(n):], nil
}
