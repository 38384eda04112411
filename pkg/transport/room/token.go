package room

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultTokenTTL is how long a minted room access token stays valid.
const defaultTokenTTL = 24 * time.Hour

// RoomGrant describes what the token holder may do inside a room.
type RoomGrant struct {
	// Room is the room ID this grant applies to.
	Room string `json:"room"`

	// Join permits joining the room.
	Join bool `json:"join"`

	// Publish permits publishing audio into the room.
	Publish bool `json:"publish"`

	// Subscribe permits subscribing to other participants' audio.
	Subscribe bool `json:"subscribe"`
}

// RoomClaims is the JWT claim set carried by room access tokens.
// The registered Subject claim holds the participant identity and the
// Issuer claim holds the API key the token was minted with.
type RoomClaims struct {
	jwt.RegisteredClaims

	Grant RoomGrant `json:"grant"`
}

// TokenOption configures a [TokenMinter].
type TokenOption func(*TokenMinter)

// WithTokenTTL sets the validity window for minted tokens.
// Defaults to 24 hours.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(m *TokenMinter) {
		m.ttl = ttl
	}
}

// TokenMinter mints and verifies room access tokens. Tokens are signed with
// HMAC-SHA256 using the gateway API secret, so any service holding the same
// secret can verify them.
//
// TokenMinter is safe for concurrent use.
type TokenMinter struct {
	apiKey    string
	apiSecret []byte
	ttl       time.Duration

	now func() time.Time // injectable clock for tests
}

// NewTokenMinter creates a TokenMinter for the given API key pair.
// Both apiKey and apiSecret must be non-empty.
func NewTokenMinter(apiKey, apiSecret string, opts ...TokenOption) (*TokenMinter, error) {
	if apiKey == "" {
		return nil, errors.New("room: apiKey must not be empty")
	}
	if apiSecret == "" {
		return nil, errors.New("room: apiSecret must not be empty")
	}
	m := &TokenMinter{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		ttl:       defaultTokenTTL,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Mint creates a signed access token granting identity full audio access to
// the given room. The token expires after the configured TTL.
func (m *TokenMinter) Mint(roomID, identity string) (string, error) {
	if roomID == "" {
		return "", errors.New("room: roomID must not be empty")
	}
	if identity == "" {
		return "", errors.New("room: identity must not be empty")
	}

	now := m.now()
	claims := RoomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.apiKey,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Grant: RoomGrant{
			Room:      roomID,
			Join:      true,
			Publish:   true,
			Subscribe: true,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.apiSecret)
	if err != nil {
		return "", fmt.Errorf("room: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token minted with the same API secret.
// It checks the signature, expiry, and issuer, and requires a join grant.
func (m *TokenMinter) Verify(token string) (*RoomClaims, error) {
	var claims RoomClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return m.apiSecret, nil
	}, jwt.WithIssuer(m.apiKey), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("room: verify token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("room: token is not valid")
	}
	if claims.Grant.Room == "" || !claims.Grant.Join {
		return nil, errors.New("room: token carries no join grant")
	}
	return &claims, nil
}
