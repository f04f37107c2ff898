// Package convert moves values between their transport form (decoded JSON, raw bytes)
// and the concrete Go types handlers declare.
package convert

import (
	"encoding/json"
	"fmt"
)

// To returns v as a T. Values that already are a T are returned as is; raw JSON is
// decoded; anything else goes through a JSON round trip. A nil v yields the zero T.
func To[T any](v any) (T, error) {
	var out T
	switch x := v.(type) {
	case nil:
		return out, nil
	case T:
		return x, nil
	case *T:
		if x == nil {
			return out, nil
		}
		return *x, nil
	case json.RawMessage:
		return unmarshal[T](x)
	case []byte:
		return unmarshal[T](x)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("encode %T: %w", v, err)
	}
	return unmarshal[T](b)
}

func unmarshal[T any](b []byte) (T, error) {
	var out T
	if len(b) == 0 || string(b) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode into %T: %w", out, err)
	}
	return out, nil
}
