package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/forge/internal/model"
)

// ErrBadSignature is returned when a message signature does not verify.
var ErrBadSignature = errors.New("invalid message signature")

// Session builds, signs and verifies envelopes for one engine.
type Session struct {
	id       string
	username string
	key      []byte
}

// NewSession creates a session. An empty key disables signing.
func NewSession(username string, key []byte) *Session {
	return &Session{
		id:       model.NewID(),
		username: username,
		key:      key,
	}
}

// ID returns the session identifier stamped on outgoing headers.
func (s *Session) ID() string {
	return s.id
}

// Options carries the optional parts of an outgoing message.
type Options struct {
	Parent     *Message
	Metadata   any
	Buffers    [][]byte
	Identities [][]byte
}

// NewMessage builds and signs a message of the given type.
func (s *Session) NewMessage(msgType model.MsgType, content any, opts Options) (*Message, error) {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
	}

	var metaJSON json.RawMessage
	if opts.Metadata != nil {
		metaJSON, err = json.Marshal(opts.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal %s metadata: %w", msgType, err)
		}
	}

	msg := &Message{
		Identities: opts.Identities,
		Header: Header{
			MsgID:    model.NewID(),
			MsgType:  msgType.String(),
			Session:  s.id,
			Username: s.username,
			Date:     time.Now().UTC(),
			Version:  ProtocolVersion,
		},
		Metadata: metaJSON,
		Content:  contentJSON,
		Buffers:  opts.Buffers,
	}
	if opts.Parent != nil {
		parent := opts.Parent.Header
		msg.ParentHeader = &parent
		if msg.Identities == nil {
			msg.Identities = opts.Parent.Identities
		}
	}

	if err := s.Sign(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Sign stamps msg with its HMAC signature. It is a no-op without a key.
func (s *Session) Sign(msg *Message) error {
	if len(s.key) == 0 {
		msg.Signature = ""
		return nil
	}
	sig, err := s.signature(msg)
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

// Verify checks the signature on an inbound message.
func (s *Session) Verify(msg *Message) error {
	if len(s.key) == 0 {
		return nil
	}
	want, err := s.signature(msg)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(msg.Signature)) {
		return ErrBadSignature
	}
	return nil
}

func (s *Session) signature(msg *Message) (string, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	parent := []byte("{}")
	if msg.ParentHeader != nil {
		parent, err = json.Marshal(msg.ParentHeader)
		if err != nil {
			return "", fmt.Errorf("marshal parent header: %w", err)
		}
	}

	mac := hmac.New(sha256.New, s.key)
	for _, part := range [][]byte{header, parent, orEmpty(msg.Metadata), orEmpty(msg.Content)} {
		mac.Write(part)
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func orEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
