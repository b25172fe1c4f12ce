// Package grant issues and verifies LiveKit-compatible capability grants:
// short-lived HS256 JWTs that let a media-relay client join one room as one
// identity without any server-side lookup.
//
// An [Issuer] is stateless and safe for concurrent use.
package grant

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/voicebridge/internal/config"
)

const (
	// DefaultURL is the relay URL returned with grants when none is set.
	DefaultURL = "wss://cloud.livekit.io"

	// DefaultSkew is subtracted from the issue time to form not-before, so
	// relays with a slightly slow clock still accept fresh grants.
	DefaultSkew = 10 * time.Second

	// MaxTTL is the longest grant lifetime Issue accepts.
	MaxTTL = config.MaxTokenTTL
)

// ErrInvalidRequest is returned by [Issuer.Issue] for an empty room or
// identity or a ttl outside (0, MaxTTL].
var ErrInvalidRequest = errors.New("grant: invalid request")

// VideoGrant is the permission block of a capability grant.
type VideoGrant struct {
	RoomJoin     bool   `json:"roomJoin"`
	Room         string `json:"room"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

// Claims is the signed body of a capability grant. Serialised keys are
// exactly iss, sub, nbf, iat, exp, name and video.
type Claims struct {
	jwt.RegisteredClaims
	Name  string     `json:"name"`
	Video VideoGrant `json:"video"`
}

// Grant is one signed capability grant plus the relay URL it is valid for.
type Grant struct {
	Claims Claims
	Token  string
	URL    string
}

// ExpiresAt returns the grant's expiry time.
func (g *Grant) ExpiresAt() time.Time {
	if g.Claims.ExpiresAt == nil {
		return time.Time{}
	}
	return g.Claims.ExpiresAt.Time
}

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures an [Issuer].
type Option func(*Issuer)

// WithURL sets the relay URL returned with each grant.
func WithURL(url string) Option {
	return func(i *Issuer) {
		if url != "" {
			i.url = url
		}
	}
}

// WithSkew sets the not-before tolerance.
func WithSkew(d time.Duration) Option {
	return func(i *Issuer) {
		if d >= 0 {
			i.skew = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// ── Issuer ───────────────────────────────────────────────────────────────────

// Issuer signs capability grants with a shared API key and secret.
type Issuer struct {
	apiKey    string
	apiSecret []byte
	url       string
	skew      time.Duration
	now       func() time.Time
}

// New creates an Issuer. A missing key or secret is a [*config.Error]; no
// Issuer is returned, so unsigned grants can never be produced.
func New(apiKey, apiSecret string, opts ...Option) (*Issuer, error) {
	if apiKey == "" {
		return nil, config.Missing(config.EnvLiveKitAPIKey)
	}
	if apiSecret == "" {
		return nil, config.Missing(config.EnvLiveKitAPISecret)
	}
	i := &Issuer{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		url:       DefaultURL,
		skew:      DefaultSkew,
		now:       time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// URL returns the relay URL handed out with grants.
func (i *Issuer) URL() string { return i.url }

// Issue signs a grant for identity to join room with publish and subscribe
// rights. displayName defaults to identity. ttl must be a whole number of
// seconds in (0, MaxTTL] so that exp - iat equals ttl exactly.
func (i *Issuer) Issue(room, identity, displayName string, ttl time.Duration) (*Grant, error) {
	switch {
	case room == "":
		return nil, fmt.Errorf("%w: room is required", ErrInvalidRequest)
	case identity == "":
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidRequest)
	case ttl < time.Second || ttl%time.Second != 0:
		return nil, fmt.Errorf("%w: ttl %v must be a positive whole number of seconds", ErrInvalidRequest, ttl)
	case ttl > MaxTTL:
		return nil, fmt.Errorf("%w: ttl %v exceeds %v", ErrInvalidRequest, ttl, MaxTTL)
	}
	if displayName == "" {
		displayName = identity
	}

	iat := i.now().UTC().Truncate(time.Second)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(iat.Add(-i.skew)),
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
		},
		Name: displayName,
		Video: VideoGrant{
			RoomJoin:     true,
			Room:         room,
			CanPublish:   true,
			CanSubscribe: true,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.apiSecret)
	if err != nil {
		return nil, fmt.Errorf("grant: sign: %w", err)
	}
	return &Grant{Claims: claims, Token: signed, URL: i.url}, nil
}

// Verify checks token's HS256 signature, issuer and validity window and
// returns its claims. Any other signing method is rejected.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.apiSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.apiKey),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("grant: verify: %w", err)
	}
	return claims, nil
}
