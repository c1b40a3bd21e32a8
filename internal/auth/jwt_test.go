package auth

import (
	"errors"
	"testing"
	"time"
)

func TestStreamTokens(t *testing.T) {
	tokens, err := NewStreamTokens("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("Failed to create stream tokens: %v", err)
	}

	token, err := tokens.Generate("kebab-centro", "CA123")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	claims, err := tokens.Validate(token, "kebab-centro")
	if err != nil {
		t.Fatalf("Expected valid token, got %v", err)
	}
	if claims.CallSID != "CA123" {
		t.Errorf("Expected call SID CA123, got %s", claims.CallSID)
	}

	if _, err := tokens.Validate(token, "kebab-norte"); !errors.Is(err, ErrInvalidStreamToken) {
		t.Errorf("Expected ErrInvalidStreamToken for another shop, got %v", err)
	}

	if _, err := tokens.Validate("", "kebab-centro"); !errors.Is(err, ErrInvalidStreamToken) {
		t.Errorf("Expected ErrInvalidStreamToken for empty token, got %v", err)
	}

	other, _ := NewStreamTokens("other-secret", time.Minute)
	if _, err := other.Validate(token, "kebab-centro"); !errors.Is(err, ErrInvalidStreamToken) {
		t.Errorf("Expected ErrInvalidStreamToken for foreign signature, got %v", err)
	}
}

func TestStreamTokensExpired(t *testing.T) {
	tokens, _ := NewStreamTokens("test-secret", time.Minute)
	tokens.ttl = -time.Minute

	token, err := tokens.Generate("kebab", "")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if _, err := tokens.Validate(token, "kebab"); !errors.Is(err, ErrInvalidStreamToken) {
		t.Errorf("Expected expired token to be rejected, got %v", err)
	}
}

func TestNewStreamTokensRequiresSecret(t *testing.T) {
	if _, err := NewStreamTokens("", 0); err == nil {
		t.Error("Expected error for empty secret")
	}

	tokens, err := NewStreamTokens("secret", 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tokens.ttl != DefaultStreamTokenTTL {
		t.Errorf("Expected default ttl, got %v", tokens.ttl)
	}
}
