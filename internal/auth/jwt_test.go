package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyAccessToken(t *testing.T) {
	m := NewManager("test-secret")

	signed := signToken(t, "test-secret", Claims{
		UserID:    "u-1",
		Email:     "ops@example.com",
		Role:      "admin",
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := m.VerifyAccessToken(signed)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.UserID != "u-1" || claims.Role != "admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyAccessTokenRejectsWrongSecret(t *testing.T) {
	m := NewManager("right-secret")
	signed := signToken(t, "wrong-secret", Claims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if _, err := m.VerifyAccessToken(signed); err == nil {
		t.Fatal("token signed with another secret must fail")
	}
}

func TestVerifyAccessTokenRejectsExpired(t *testing.T) {
	m := NewManager("test-secret")
	signed := signToken(t, "test-secret", Claims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			// past the 30s verification leeway
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
		},
	})

	if _, err := m.VerifyAccessToken(signed); err == nil {
		t.Fatal("expired token must fail")
	}
}

func TestVerifyAccessTokenRejectsRefreshType(t *testing.T) {
	m := NewManager("test-secret")
	signed := signToken(t, "test-secret", Claims{
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if _, err := m.VerifyAccessToken(signed); err == nil {
		t.Fatal("refresh token must not pass access verification")
	}
}
