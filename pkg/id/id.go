// Package id generates the ULID record ids handed out by stores and checks ids sent by callers.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New returns the id for a record created at t. Ids made within the same millisecond
// still sort in the order they were made.
func New(t time.Time) (string, error) {
	mutex.Lock()
	defer mutex.Unlock()

	v, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// Valid reports whether s is an id New could have produced.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
