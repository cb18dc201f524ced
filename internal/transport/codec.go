package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as the gRPC call content-subtype, selected via
// grpc.CallContentSubtype(codecName) on both ends so no .proto-derived
// codec is required.
const codecName = "meshjson"

// jsonCodec implements encoding.Codec by marshaling Envelope (and nothing
// else) as JSON. It is registered process-wide in init().
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("meshjson codec: unsupported type %T", v)
	}
	return json.Marshal(env)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("meshjson codec: unsupported type %T", v)
	}
	return json.Unmarshal(data, env)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
