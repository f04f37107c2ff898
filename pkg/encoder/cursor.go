package encoder

import (
	"strings"

	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
)

const cursorPrefix = "c1:"

// CursorCodec converts a position in an ordered key space to a cursor token and back.
type CursorCodec struct {
	encrypter Encrypter
}

// NewCursorCodec returns a codec sealing cursors with key. An empty key produces
// readable base64 cursors.
func NewCursorCodec(key string) (*CursorCodec, error) {
	if key == "" {
		return &CursorCodec{encrypter: NewNoopEncrypter(Base64Encoder{})}, nil
	}
	enc, err := NewGCMEncrypter(key, Base64Encoder{})
	if err != nil {
		return nil, err
	}
	return &CursorCodec{encrypter: enc}, nil
}

// MustNewCursorCodec is like NewCursorCodec but panics on error.
func MustNewCursorCodec(key string) *CursorCodec {
	c, err := NewCursorCodec(key)
	if err != nil {
		panic(err)
	}
	return c
}

// Encode returns the token of position.
func (c *CursorCodec) Encode(position string) (string, error) {
	return c.encrypter.Encrypt([]byte(cursorPrefix + position))
}

// Decode returns the position of token. Malformed or foreign tokens are BAD_REQUEST.
func (c *CursorCodec) Decode(token string) (string, error) {
	data, err := c.encrypter.Decrypt(token)
	if err != nil {
		return "", crpcerrors.Wrap(crpcerrors.BadRequest, "invalid cursor", err)
	}
	position, ok := strings.CutPrefix(string(data), cursorPrefix)
	if !ok {
		return "", crpcerrors.New(crpcerrors.BadRequest, "invalid cursor")
	}
	return position, nil
}
