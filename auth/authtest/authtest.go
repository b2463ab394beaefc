// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-streamable-go/auth"
)

// StaticTokens is an Authenticator that maps opaque bearer tokens to users.
// Unknown tokens fail with auth.ErrUnauthorized.
type StaticTokens struct {
	Issuer string
	Users  map[string]string
}

// NewStaticTokens creates a StaticTokens authenticator from a token -> user
// id map.
func NewStaticTokens(users map[string]string) *StaticTokens {
	return &StaticTokens{Issuer: "authtest", Users: users}
}

// CheckAuthentication implements auth.Authenticator.
func (s *StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := s.Users[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return &User{ID: uid, Issuer: s.Issuer}, nil
}

// User is a fixed principal.
type User struct {
	ID     string
	Issuer string
}

func (u *User) UserID() string { return u.ID }

func (u *User) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": u.ID, "iss": u.Issuer})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*StaticTokens)(nil)
