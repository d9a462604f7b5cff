// Package auth verifies glasses credentials and TPA API keys.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// Identity is a verified caller.
type Identity struct {
	UserID    string
	Anonymous bool
}

// Verifier turns a credential into an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// JWTVerifier checks HS256 core tokens and reads the user id from the email
// claim, falling back to sub.
type JWTVerifier struct {
	secret         []byte
	allowAnonymous bool
}

func NewJWTVerifier(secret string, allowAnonymous bool) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), allowAnonymous: allowAnonymous}
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		if v.allowAnonymous {
			return Identity{Anonymous: true}, nil
		}
		return Identity{}, fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}
	if len(v.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: no signing secret configured", ErrUnauthorized)
	}

	token, err := jwt.Parse(credential, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	userID, _ := claims["email"].(string)
	if userID == "" {
		userID, _ = claims["sub"].(string)
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token carries no user id", ErrUnauthorized)
	}
	return Identity{UserID: userID}, nil
}

// HashAPIKey returns the hex sha256 digest stored in app descriptors.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeyValidator compares presented API keys against stored hashes.
type KeyValidator struct{}

// ValidateAPIKey accepts any key when hashed is empty.
func (KeyValidator) ValidateAPIKey(hashed, key string) error {
	if hashed == "" {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%w: missing", ErrInvalidAPIKey)
	}
	if subtle.ConstantTimeCompare([]byte(HashAPIKey(key)), []byte(hashed)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
