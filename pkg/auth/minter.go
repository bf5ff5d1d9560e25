// Package auth mints short-lived bearer tokens for outbound RPCs. It is
// adapted from tapio's AuthManager JWT handling, narrowed to the single
// concern the agent needs: token minting, not session management or
// inbound authentication (the agent only calls out).
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer         = "PL"
	audience       = "service"
	subject        = "service"
	defaultTTL     = 60 * time.Second
	notBeforeSkew  = 0
)

// Claims is the registered JWT claim set minted for every outbound
// request: iss "PL", aud "service", sub "service", a unique jti, and
// iat/nbf/exp anchored at generation time.
type Claims struct {
	jwt.RegisteredClaims
}

// Minter issues signed bearer tokens using an explicitly injected signing
// key. Unlike tapio's AuthManager, it never falls back to a randomly
// generated secret — the caller must supply one.
type Minter struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// New constructs a Minter. signingKey must be non-empty; ttl defaults to
// 60s when zero.
func New(signingKey []byte, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Minter{key: signingKey, ttl: ttl, now: time.Now}
}

// Mint produces a signed HS256 token string suitable for an
// "authorization: bearer <token>" header.
func (m *Minter) Mint() (string, error) {
	now := m.now()
	jti, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   subject,
			ID:        jti.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(notBeforeSkew)),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.key)
}
