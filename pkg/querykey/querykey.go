// Package querykey gives every call a canonical identity, shared by the client cache and
// the subscription manager, that does not depend on how the arguments were built.
package querykey

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Kind distinguishes the lifecycle of a keyed call.
type Kind string

const (
	// Subscribed keys identify live, push-updated reads.
	Subscribed Kind = "subscribed"
	// OneShot keys identify non-reactive reads (actions used as queries).
	OneShot Kind = "oneshot"
	// Mutation keys identify writes. They are never cached.
	Mutation Kind = "mutation"
)

// Key identifies one call.
type Key struct {
	Kind Kind
	Name string
	Args any
}

// NewSubscribed returns the key of a subscribed read.
func NewSubscribed(name string, args any) Key {
	return Key{Kind: Subscribed, Name: name, Args: args}
}

// NewOneShot returns the key of a one-shot read.
func NewOneShot(name string, args any) Key {
	return Key{Kind: OneShot, Name: name, Args: args}
}

// NewMutation returns the key of a mutation.
func NewMutation(name string) Key {
	return Key{Kind: Mutation, Name: name}
}

// IsQuery reports whether k identifies a read, subscribed or one-shot.
func (k Key) IsQuery() bool {
	return k.Kind == Subscribed || k.Kind == OneShot
}

// Identity returns the canonical string form of k.
func (k Key) Identity() (string, error) {
	return Identity(k.Kind, k.Name, k.Args)
}

// Identity returns "kind|name|canonical-args". Deep-equal arguments produce the same
// string regardless of key order; different kinds never do.
func Identity(kind Kind, name string, args any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	b, err := Canonical(args)
	if err != nil {
		return "", fmt.Errorf("query key %s: %w", name, err)
	}
	return string(kind) + "|" + name + "|" + string(b), nil
}

// MustIdentity is like Identity but panics if the arguments cannot be encoded.
func MustIdentity(kind Kind, name string, args any) string {
	id, err := Identity(kind, name, args)
	if err != nil {
		panic(err)
	}
	return id
}

// HashFunc hashes an arbitrary cache key.
type HashFunc func(key any) string

// DefaultHash hashes any JSON-encodable key by its canonical form.
func DefaultHash(key any) string {
	b, err := Canonical(key)
	if err != nil {
		return fmt.Sprintf("%T|%v", key, key)
	}
	return "h|" + strconv.FormatUint(xxhash.Sum64(b), 16)
}

// NewHashFunc returns a hash function that uses Identity for subscribed and one-shot keys
// and fallback for everything else. A nil fallback means DefaultHash.
func NewHashFunc(fallback HashFunc) HashFunc {
	if fallback == nil {
		fallback = DefaultHash
	}
	return func(key any) string {
		var k Key
		switch x := key.(type) {
		case Key:
			k = x
		case *Key:
			if x == nil {
				return fallback(key)
			}
			k = *x
		default:
			return fallback(key)
		}
		if !k.IsQuery() {
			return fallback(key)
		}
		return MustIdentity(k.Kind, k.Name, k.Args)
	}
}
