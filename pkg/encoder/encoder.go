// Package encoder turns pagination positions into opaque cursor tokens.
package encoder

import "encoding/base64"

type Encoder interface {
	Decode(string) ([]byte, error)
	Encode([]byte) (string, error)
}

type NoopEncoder struct{}

var _ Encoder = (*NoopEncoder)(nil)

func (e NoopEncoder) Decode(s string) ([]byte, error) {
	return []byte(s), nil
}

func (e NoopEncoder) Encode(data []byte) (string, error) {
	return string(data), nil
}

// Base64Encoder uses unpadded URL-safe base64 so tokens can travel in query strings.
type Base64Encoder struct{}

var _ Encoder = (*Base64Encoder)(nil)

func (e Base64Encoder) Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func (e Base64Encoder) Encode(data []byte) (string, error) {
	return base64.RawURLEncoding.EncodeToString(data), nil
}
