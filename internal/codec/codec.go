// Package codec packs callables, arguments and results into the binary
// buffers carried by apply messages.
//
// Every serialized object starts with a JSON header buffer. Small values are
// inlined in the header; values whose encoding exceeds the buffer threshold,
// and raw byte slices, follow as their own buffer so large payloads are never
// re-encoded inside JSON.
//
// Lists and maps with at most item threshold elements are split per element
// when any element needs its own buffer, so one large item does not drag its
// small siblings out of the header.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// DefaultBufferThreshold is the largest encoded value kept inline.
const DefaultBufferThreshold = 1024

// DefaultItemThreshold is the largest container split per element.
const DefaultItemThreshold = 64

// ErrMalformed is returned when buffers do not describe a valid object.
var ErrMalformed = errors.New("malformed buffers")

const (
	kindInline = "inline"
	kindBuffer = "buffer"
	kindBytes  = "bytes"
	kindRef    = "ref"
	kindList   = "list"
	kindMap    = "map"
)

// Ref names a value already bound in the engine's namespace. It is resolved
// on the engine when the apply request is unpacked.
type Ref struct {
	Name string
}

// header describes one serialized object.
type header struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
	Ref   string          `json:"ref,omitempty"`
	Items []item          `json:"items,omitempty"`
	Keys  []string        `json:"keys,omitempty"`
}

// item is one element of a split container. Buffer and bytes items take the
// next data buffer in order.
type item struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Codec serializes values with fixed buffer and item thresholds.
type Codec struct {
	bufferThreshold int
	itemThreshold   int
}

// New creates a codec with the default item threshold. A buffer threshold of
// zero or less keeps every value inline.
func New(bufferThreshold int) *Codec {
	return &Codec{bufferThreshold: bufferThreshold, itemThreshold: DefaultItemThreshold}
}

// WithItemThreshold sets the largest container split per element. Zero or
// less disables splitting.
func (c *Codec) WithItemThreshold(n int) *Codec {
	c.itemThreshold = n
	return c
}

// BufferThreshold reports the configured buffer threshold.
func (c *Codec) BufferThreshold() int {
	return c.bufferThreshold
}

// ItemThreshold reports the configured item threshold.
func (c *Codec) ItemThreshold() int {
	return c.itemThreshold
}

// Serialize encodes v into one or more buffers.
func (c *Codec) Serialize(v any) ([][]byte, error) {
	switch val := v.(type) {
	case Ref:
		return marshalHeader(header{Kind: kindRef, Ref: val.Name})
	case *Ref:
		return marshalHeader(header{Kind: kindRef, Ref: val.Name})
	case []byte:
		bufs, err := marshalHeader(header{Kind: kindBytes})
		if err != nil {
			return nil, err
		}
		return append(bufs, val), nil
	case []any:
		if bufs, ok, err := c.serializeList(val); ok || err != nil {
			return bufs, err
		}
	case map[string]any:
		if bufs, ok, err := c.serializeMap(val); ok || err != nil {
			return bufs, err
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}

	if c.bufferThreshold > 0 && len(data) > c.bufferThreshold {
		bufs, err := marshalHeader(header{Kind: kindBuffer})
		if err != nil {
			return nil, err
		}
		return append(bufs, data), nil
	}
	return marshalHeader(header{Kind: kindInline, Value: data})
}

// Deserialize decodes the object at the front of bufs and returns the
// buffers that follow it. References come back as Ref values.
func (c *Codec) Deserialize(bufs [][]byte) (any, [][]byte, error) {
	if len(bufs) == 0 {
		return nil, nil, fmt.Errorf("%w: no header buffer", ErrMalformed)
	}

	var h header
	if err := json.Unmarshal(bufs[0], &h); err != nil {
		return nil, nil, fmt.Errorf("%w: decode header: %v", ErrMalformed, err)
	}
	rest := bufs[1:]

	switch h.Kind {
	case kindInline:
		v, err := decodeValue(h.Value)
		return v, rest, err
	case kindBuffer:
		if len(rest) == 0 {
			return nil, nil, fmt.Errorf("%w: missing data buffer", ErrMalformed)
		}
		v, err := decodeValue(rest[0])
		return v, rest[1:], err
	case kindBytes:
		if len(rest) == 0 {
			return nil, nil, fmt.Errorf("%w: missing bytes buffer", ErrMalformed)
		}
		return rest[0], rest[1:], nil
	case kindList:
		values, rest, err := decodeItems(h.Items, rest)
		return values, rest, err
	case kindMap:
		if len(h.Keys) != len(h.Items) {
			return nil, nil, fmt.Errorf("%w: %d keys for %d items", ErrMalformed, len(h.Keys), len(h.Items))
		}
		values, rest, err := decodeItems(h.Items, rest)
		if err != nil {
			return nil, nil, err
		}
		m := make(map[string]any, len(values))
		for i, k := range h.Keys {
			m[k] = values[i]
		}
		return m, rest, nil
	case kindRef:
		if h.Ref == "" {
			return nil, nil, fmt.Errorf("%w: empty reference", ErrMalformed)
		}
		return Ref{Name: h.Ref}, rest, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, h.Kind)
	}
}

func marshalHeader(h header) ([][]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	return [][]byte{data}, nil
}

func decodeValue(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: decode value: %v", ErrMalformed, err)
	}
	return v, nil
}

func (c *Codec) serializeList(vals []any) ([][]byte, bool, error) {
	items, data, ok, err := c.splitItems(vals)
	if !ok || err != nil {
		return nil, false, err
	}
	bufs, err := marshalHeader(header{Kind: kindList, Items: items})
	if err != nil {
		return nil, false, err
	}
	return append(bufs, data...), true, nil
}

func (c *Codec) serializeMap(m map[string]any) ([][]byte, bool, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vals := make([]any, len(keys))
	for i, k := range keys {
		vals[i] = m[k]
	}
	items, data, ok, err := c.splitItems(vals)
	if !ok || err != nil {
		return nil, false, err
	}
	bufs, err := marshalHeader(header{Kind: kindMap, Items: items, Keys: keys})
	if err != nil {
		return nil, false, err
	}
	return append(bufs, data...), true, nil
}

// splitItems encodes each element on its own. ok is false when the container
// is too long to split or no element needs a buffer, in which case the caller
// encodes the container whole.
func (c *Codec) splitItems(vals []any) (items []item, data [][]byte, ok bool, err error) {
	if c.itemThreshold <= 0 || len(vals) > c.itemThreshold {
		return nil, nil, false, nil
	}

	items = make([]item, len(vals))
	for i, v := range vals {
		if b, isBytes := v.([]byte); isBytes {
			items[i] = item{Kind: kindBytes}
			data = append(data, b)
			continue
		}
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, nil, false, fmt.Errorf("encode item %d (%T): %w", i, v, err)
		}
		if c.bufferThreshold > 0 && len(enc) > c.bufferThreshold {
			items[i] = item{Kind: kindBuffer}
			data = append(data, enc)
			continue
		}
		items[i] = item{Kind: kindInline, Value: enc}
	}
	if len(data) == 0 {
		return nil, nil, false, nil
	}
	return items, data, true, nil
}

func decodeItems(items []item, rest [][]byte) ([]any, [][]byte, error) {
	values := make([]any, len(items))
	for i, it := range items {
		switch it.Kind {
		case kindInline:
			v, err := decodeValue(it.Value)
			if err != nil {
				return nil, nil, err
			}
			values[i] = v
		case kindBuffer, kindBytes:
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("%w: missing buffer for item %d", ErrMalformed, i)
			}
			if it.Kind == kindBytes {
				values[i] = rest[0]
			} else {
				v, err := decodeValue(rest[0])
				if err != nil {
					return nil, nil, err
				}
				values[i] = v
			}
			rest = rest[1:]
		default:
			return nil, nil, fmt.Errorf("%w: unknown item kind %q", ErrMalformed, it.Kind)
		}
	}
	return values, rest, nil
}
