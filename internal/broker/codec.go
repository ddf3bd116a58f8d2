package broker

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Codec serializes broker payloads.
type Codec interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONCodec encodes with encoding/json so custom marshalers and RawMessage
// fields round-trip unchanged, and decodes with sonic on the hot receive path.
type JSONCodec struct{}

// Encode ...
func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode ...
func (JSONCodec) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
