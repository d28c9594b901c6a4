// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Codec encodes and decodes the payloads carried by calls.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// BinaryCodec passes bytes through unchanged and falls back to JSON for
// anything else.
type BinaryCodec struct{}

func (BinaryCodec) Encode(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if b, ok := v.(*[]byte); ok {
		return *b, nil
	}
	return json.Marshal(v)
}

func (BinaryCodec) Decode(data []byte, v any) error {
	if b, ok := v.(*[]byte); ok {
		*b = append([]byte(nil), data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

// Binary is a codec that passes bytes through unchanged
var Binary Codec = BinaryCodec{}

// grpcCodecName is the content-subtype of calls carried by the grpc
// transport.
const grpcCodecName = "asyncrpc"

// grpcCodec lets grpc carry raw []byte messages without generated stubs.
type grpcCodec struct{}

var _ encoding.Codec = grpcCodec{}

func (grpcCodec) Marshal(v any) ([]byte, error) {
	switch v.(type) {
	case []byte, *[]byte:
		return Binary.Encode(v)
	default:
		return nil, fmt.Errorf("asyncrpc: grpc codec cannot marshal %T", v)
	}
}

func (grpcCodec) Unmarshal(data []byte, v any) error {
	if _, ok := v.(*[]byte); !ok {
		return fmt.Errorf("asyncrpc: grpc codec cannot unmarshal into %T", v)
	}
	return Binary.Decode(data, v)
}

func (grpcCodec) Name() string {
	return grpcCodecName
}
