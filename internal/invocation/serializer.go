package invocation

import "encoding/json"

// Serializer converts typed host values to and from the byte payload
// carried inside InvocationRequest/InvocationResult. It is a narrow seam
// so a host can swap in a different wire format without touching the
// Invocation System itself.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer is the default Serializer, matching the teacher's
// preference for encoding/json at application boundaries (protobuf's
// structpb is reserved for the transport envelope, not host payloads).
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}
