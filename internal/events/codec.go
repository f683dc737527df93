package events

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec serialises envelopes for a sink.
type Codec interface {
	Name() string
	ContentType() string
	Encode(Envelope) ([]byte, error)
}

// NewCodec returns the codec registered under name ("json" when empty).
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("unknown event codec %q", name)
}

// JSONCodec encodes envelopes as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// ProtoCodec encodes envelopes as a google.protobuf.Struct so consumers can
// decode them without a generated schema.
type ProtoCodec struct{}

func (ProtoCodec) Name() string        { return "proto" }
func (ProtoCodec) ContentType() string { return "application/x-protobuf" }

func (ProtoCodec) Encode(env Envelope) ([]byte, error) {
	st, err := EnvelopeStruct(env)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// EnvelopeStruct converts an envelope into a structpb.Struct with the same
// field names as the JSON encoding.
func EnvelopeStruct(env Envelope) (*structpb.Struct, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return st, nil
}
