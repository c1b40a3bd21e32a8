package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultStreamTokenTTL bounds the gap between the webhook answering and the
// provider opening the media stream.
const DefaultStreamTokenTTL = 5 * time.Minute

// ErrInvalidStreamToken is returned for missing, expired or mismatched tokens
var ErrInvalidStreamToken = errors.New("invalid stream token")

// StreamClaims represents the claims in a media stream token
type StreamClaims struct {
	Shop    string `json:"shop"`
	CallSID string `json:"call_sid,omitempty"`
	jwt.RegisteredClaims
}

// StreamTokens issues and checks the tokens that tie a media stream to the
// webhook that announced it.
type StreamTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewStreamTokens creates a token issuer. A zero ttl uses DefaultStreamTokenTTL.
func NewStreamTokens(secret string, ttl time.Duration) (*StreamTokens, error) {
	if secret == "" {
		return nil, errors.New("stream token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultStreamTokenTTL
	}
	return &StreamTokens{secret: []byte(secret), ttl: ttl}, nil
}

// Generate generates a token for one call to one shop
func (s *StreamTokens) Generate(shop, callSID string) (string, error) {
	now := time.Now()
	claims := &StreamClaims{
		Shop:    shop,
		CallSID: callSID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   shop,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate validates a token and checks it was issued for shop
func (s *StreamTokens) Validate(tokenString, shop string) (*StreamClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidStreamToken)
	}

	claims := &StreamClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStreamToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidStreamToken
	}

	if claims.Shop != shop {
		return nil, fmt.Errorf("%w: issued for shop %q", ErrInvalidStreamToken, claims.Shop)
	}

	return claims, nil
}
