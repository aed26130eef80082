package utils

import (
	"testing"
	"time"
)

func init() {
	SetJWTSecret("test-secret-key-for-testing")
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(1, "alice@example.com", "admin", 24)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if token == "" {
		t.Error("GenerateToken() returned empty token")
	}

	if len(token) < 50 {
		t.Errorf("token seems too short: %d chars", len(token))
	}
}

func TestGenerateToken_DifferentTokens(t *testing.T) {
	token1, _ := GenerateToken(1, "alice@example.com", "admin", 24)
	token2, _ := GenerateToken(2, "bob@example.com", "user", 24)

	if token1 == token2 {
		t.Error("different users should produce different tokens")
	}
}

func TestParseToken(t *testing.T) {
	userID := uint(42)
	email := "carol@example.com"
	role := "user"

	token, _ := GenerateToken(userID, email, role, 24)

	claims, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	if claims.UserID != userID {
		t.Errorf("UserID = %d, expected %d", claims.UserID, userID)
	}
	if claims.Email != email {
		t.Errorf("Email = %q, expected %q", claims.Email, email)
	}
	if claims.Role != role {
		t.Errorf("Role = %q, expected %q", claims.Role, role)
	}
}

func TestParseToken_InvalidToken(t *testing.T) {
	invalidTokens := []string{
		"",
		"not-a-token",
		"aaa.bbb.ccc",
	}

	for _, tok := range invalidTokens {
		if _, err := ParseToken(tok); err == nil {
			t.Errorf("ParseToken(%q) should have failed", tok)
		}
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	token, _ := GenerateToken(1, "alice@example.com", "user", 24)

	SetJWTSecret("a-completely-different-secret")
	defer SetJWTSecret("test-secret-key-for-testing")

	if _, err := ParseToken(token); err == nil {
		t.Error("token signed with old secret should not validate")
	}
}

func TestParseToken_Expired(t *testing.T) {
	// expireHours <= 0 falls back to the 24h default, so build an already
	// expired token by hand is not possible through the public API; instead
	// verify the expiry claim is set in the future.
	token, _ := GenerateToken(1, "alice@example.com", "user", 1)
	claims, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if !claims.ExpiresAt.After(time.Now()) {
		t.Error("fresh token should not be expired")
	}
}
