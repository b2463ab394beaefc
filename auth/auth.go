package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// SubjectClaimType is the claim type recorded for identities derived from
// UserInfo.UserID.
const SubjectClaimType = "sub"

// Identity is the (claim type, claim value, issuer) triple captured when a
// session is created. It is compared on later requests so a session id
// cannot be replayed by a different principal.
type Identity struct {
	ClaimType  string `json:"claim_type"`
	ClaimValue string `json:"claim_value"`
	Issuer     string `json:"issuer,omitempty"`
}

// IdentityOf extracts the identity of an authenticated principal. A nil
// UserInfo yields a nil Identity (anonymous).
func IdentityOf(u UserInfo) *Identity {
	if u == nil {
		return nil
	}
	var claims struct {
		Issuer string `json:"iss"`
	}
	// Issuer is optional; principals without a decodable iss claim still
	// get an identity keyed on their subject.
	_ = u.Claims(&claims)
	return &Identity{ClaimType: SubjectClaimType, ClaimValue: u.UserID(), Issuer: claims.Issuer}
}

// SameAs reports whether two identities name the same principal. Two
// anonymous identities match; an anonymous and an authenticated one do not.
func (id *Identity) SameAs(other *Identity) bool {
	if id == nil || other == nil {
		return id == nil && other == nil
	}
	return id.ClaimType == other.ClaimType && id.ClaimValue == other.ClaimValue && id.Issuer == other.Issuer
}
