package types

import (
	"fmt"
	"time"
)

// AuthScheme identifies which login mechanism of the cloud produced a credential.
type AuthScheme int

const (
	// AuthSchemeUnknown means no login has succeeded yet so both schemes are
	// still candidates.
	AuthSchemeUnknown AuthScheme = iota
	// AuthSchemePrimary is the JSON oauth/token login on the current API host.
	AuthSchemePrimary
	// AuthSchemeLegacy is the older form-encoded login kept for accounts that
	// were never migrated.
	AuthSchemeLegacy
)

// String implements fmt.Stringer.
func (s AuthScheme) String() string {
	switch s {
	case AuthSchemeUnknown:
		return "unknown"
	case AuthSchemePrimary:
		return "primary"
	case AuthSchemeLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("AuthScheme(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s AuthScheme) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *AuthScheme) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "unknown":
		*s = AuthSchemeUnknown
	case "primary":
		*s = AuthSchemePrimary
	case "legacy":
		*s = AuthSchemeLegacy
	default:
		return fmt.Errorf("unknown auth scheme: %s", string(b))
	}
	return nil
}

// Credential is the bearer credential held by the session for one account.
// A zero ExpiresAt means the expiry is unknown and the token is used until the
// cloud rejects it.
type Credential struct {
	Token            string     `json:"token"`
	IssuedAt         time.Time  `json:"issuedAt"`
	ExpiresAt        time.Time  `json:"expiresAt,omitzero"`
	RefreshToken     string     `json:"refreshToken,omitempty"`
	RefreshExpiresAt time.Time  `json:"refreshExpiresAt,omitzero"`
	Scheme           AuthScheme `json:"scheme"`
}

// IsZero reports whether the credential holds no token.
func (c Credential) IsZero() bool {
	return c.Token == ""
}

// Valid reports whether the token can still be used at now with at least
// margin of validity left.
func (c Credential) Valid(now time.Time, margin time.Duration) bool {
	if c.Token == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return c.ExpiresAt.Sub(now) > margin
}

// CanRefresh reports whether the refresh token is present and not expired.
func (c Credential) CanRefresh(now time.Time) bool {
	if c.RefreshToken == "" {
		return false
	}
	if c.RefreshExpiresAt.IsZero() {
		return true
	}
	return now.Before(c.RefreshExpiresAt)
}
