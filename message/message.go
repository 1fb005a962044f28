package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed message")

// Metadata travels with a message and is kept when a reference is resolved.
type Metadata struct {
	Cacheable bool  `json:"cacheable,omitempty"`
	DeltaPath []int `json:"delta_path,omitempty"`
}

// Message is one forward message from the server.
//
// A message either carries its Payload, or names another message by RefHash
// whose payload the client is expected to have cached (or fetch).
type Message struct {
	Hash     string          `json:"hash"`
	Metadata Metadata        `json:"metadata"`
	RefHash  string          `json:"ref_hash,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// IsReference reports whether the payload has to be looked up elsewhere.
func (m *Message) IsReference() bool {
	return m.RefHash != ""
}

// Codec turns wire bytes into messages and back.
type Codec interface {
	Decode(data []byte) (*Message, error)
	Encode(msg *Message) ([]byte, error)
}

// JSONCodec is the default wire format.
type JSONCodec struct{}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Hash == "" && msg.RefHash == "" {
		return nil, fmt.Errorf("%w: neither hash nor ref_hash set", ErrMalformed)
	}
	return &msg, nil
}

func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}
