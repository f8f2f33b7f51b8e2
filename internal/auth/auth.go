// Package auth verifies operator credentials: rotating bearer API keys and
// HS256 JWTs.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"swarmctl/internal/config"
)

var (
	ErrUnknownKey   = errors.New("unknown api key")
	ErrExpiredKey   = errors.New("api key expired")
	ErrNoJWTSecret  = errors.New("jwt secret not configured")
	ErrInvalidToken = errors.New("invalid token")
)

const (
	SourceAPIKey = "api_key"
	SourceJWT    = "jwt"
)

// Principal is the authenticated caller.
type Principal struct {
	ActorID string
	Source  string
	// KeyVersion is set for api key callers.
	KeyVersion int
	// ExpiresSoon is set when the matched key is inside its grace period.
	ExpiresSoon bool
	ExpiresAt   time.Time
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// KeySet holds every concurrently valid bearer key.
type KeySet struct {
	Keys        []config.APIKey
	GracePeriod time.Duration
}

func NewKeySet(cfg config.AuthConfig) KeySet {
	return KeySet{Keys: cfg.Keys, GracePeriod: cfg.GracePeriod}
}

func (ks KeySet) Empty() bool { return len(ks.Keys) == 0 }

// Authenticate matches token against the key set. Every stored hash is
// compared so timing does not depend on which key matched.
func (ks KeySet) Authenticate(token string, now time.Time) (Principal, error) {
	if strings.TrimSpace(token) == "" {
		return Principal{}, ErrUnknownKey
	}
	hash := []byte(HashAPIKey(token))
	var (
		match config.APIKey
		found bool
	)
	for _, k := range ks.Keys {
		if subtle.ConstantTimeCompare(hash, []byte(strings.ToLower(k.KeySHA256))) == 1 && !found {
			match, found = k, true
		}
	}
	if !found {
		return Principal{}, ErrUnknownKey
	}
	p := Principal{ActorID: match.ID, Source: SourceAPIKey, KeyVersion: match.Version, ExpiresAt: match.ExpiresAt}
	if match.ExpiresAt.IsZero() {
		return p, nil
	}
	if !now.Before(match.ExpiresAt) {
		return Principal{}, fmt.Errorf("%s v%d: %w", match.ID, match.Version, ErrExpiredKey)
	}
	if ks.GracePeriod > 0 && !now.Before(match.ExpiresAt.Add(-ks.GracePeriod)) {
		p.ExpiresSoon = true
	}
	return p, nil
}

type Claims struct {
	jwt.RegisteredClaims
}

// MintToken signs an operator JWT for actorID.
func MintToken(secret, actorID string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrNoJWTSecret
	}
	if actorID == "" {
		return "", errors.New("actor id required")
	}
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  actorID,
		Issuer:   "swarmctl",
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies an operator JWT.
func ParseToken(secret, token string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, ErrNoJWTSecret
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: subject claim required", ErrInvalidToken)
	}
	p := Principal{ActorID: claims.Subject, Source: SourceJWT}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// LooksLikeJWT reports whether token has the three dot-separated JWS segments.
func LooksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
