package encoder

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

type Encrypter interface {
	Decrypt(string) ([]byte, error)
	Encrypt([]byte) (string, error)
}

// NoopEncrypter only encodes.
type NoopEncrypter struct {
	encoder Encoder
}

var _ Encrypter = (*NoopEncrypter)(nil)

func NewNoopEncrypter(encoder Encoder) *NoopEncrypter {
	return &NoopEncrypter{encoder: encoder}
}

func (e *NoopEncrypter) Decrypt(s string) ([]byte, error) {
	return e.encoder.Decode(s)
}

func (e *NoopEncrypter) Encrypt(data []byte) (string, error) {
	return e.encoder.Encode(data)
}

// GCMEncrypter seals data with AES-256-GCM under a key derived from a passphrase and
// encodes the nonce-prefixed ciphertext.
type GCMEncrypter struct {
	aead    cipher.AEAD
	encoder Encoder
}

var _ Encrypter = (*GCMEncrypter)(nil)

func NewGCMEncrypter(key string, encoder Encoder) (*GCMEncrypter, error) {
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &GCMEncrypter{aead: aead, encoder: encoder}, nil
}

func (e *GCMEncrypter) Decrypt(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	data, err := e.encoder.Decode(s)
	if err != nil {
		return nil, err
	}
	n := e.aead.NonceSize()
	if len(data) < n {
		return nil, errors.New("ciphertext too short")
	}
	return e.aead.Open(nil, data[:n], data[n:], nil)
}

func (e *GCMEncrypter) Encrypt(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return e.encoder.Encode(e.aead.Seal(nonce, nonce, data, nil))
}
