package backend

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// Codec is the gRPC codec of the crpc service: every message is a JSON document.
// json.RawMessage values pass through untouched.
type Codec struct{}

var _ encoding.Codec = Codec{}

// Registered under the "json" content subtype. Proto services on the same server keep
// the default codec.
func init() {
	encoding.RegisterCodec(Codec{})
}

func (Codec) Name() string {
	return "json"
}

func (Codec) Marshal(v any) ([]byte, error) {
	switch x := v.(type) {
	case json.RawMessage:
		if len(x) == 0 {
			return []byte("null"), nil
		}
		return x, nil
	case *json.RawMessage:
		if x == nil || len(*x) == 0 {
			return []byte("null"), nil
		}
		return *x, nil
	}
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}
