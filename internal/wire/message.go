// Package wire defines the message envelope exchanged with the engine, the
// session that builds and signs envelopes, and the length-prefixed framing
// used on every transport.
package wire

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is reported in every header.
const ProtocolVersion = "5.3"

// Header identifies one message.
type Header struct {
	MsgID    string    `json:"msg_id"`
	MsgType  string    `json:"msg_type"`
	Session  string    `json:"session"`
	Username string    `json:"username"`
	Date     time.Time `json:"date"`
	Version  string    `json:"version"`
}

// Message is the envelope for all traffic. Content and Metadata stay raw
// until a handler decodes them into the shape its message type expects.
type Message struct {
	Identities   [][]byte        `json:"identities,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	Header       Header          `json:"header"`
	ParentHeader *Header         `json:"parent_header,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Buffers      [][]byte        `json:"buffers,omitempty"`
}

// DecodeContent unmarshals the message content into v. A missing content
// field decodes as an empty object.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(m.Content, v)
}

// DecodeMetadata unmarshals the message metadata into v.
func (m *Message) DecodeMetadata(v any) error {
	if len(m.Metadata) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(m.Metadata, v)
}
