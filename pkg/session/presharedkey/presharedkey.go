// Package presharedkey resolves sessions from a fixed set of bearer keys.
package presharedkey

import (
	"context"
	"errors"
	"strconv"

	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/session"
)

// Resolver maps preshared keys to sessions. A request without a token is anonymous; a
// request carrying an unknown key is rejected.
type Resolver struct {
	sessions map[string]*session.Session
}

var _ session.Resolver = (*Resolver)(nil)

// NewResolver accepts every key in validKeys. Each key resolves to a session whose user
// id is the key's position, prefixed with "key-", since keys carry no user information.
func NewResolver(validKeys []string) (*Resolver, error) {
	if len(validKeys) < 1 {
		return nil, errors.New("invalid auth configuration, please specify at least one key")
	}
	sessions := make(map[string]*session.Session, len(validKeys))
	for i, k := range validKeys {
		sessions[k] = &session.Session{UserID: "key-" + strconv.Itoa(i), Token: k}
	}
	return &Resolver{sessions: sessions}, nil
}

func (r *Resolver) ResolveSession(ctx context.Context) (*session.Session, error) {
	token, ok := session.TokenFromContext(ctx)
	if !ok {
		return nil, nil
	}
	if s, found := r.sessions[token]; found {
		return s, nil
	}
	return nil, crpcerrors.UnauthorizedError("invalid bearer token")
}
