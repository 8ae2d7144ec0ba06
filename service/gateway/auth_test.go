package gateway

import (
	"context"
	"testing"
	"time"

	"chatgate/tools/security"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("test-secret")
	a := NewJWTAuthenticator(secret)
	ctx := context.Background()

	token, _, err := security.Generate(security.DefaultOptions(secret), "alice", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	ident, err := a.Authenticate(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if ident.UserID != "alice" || ident.UserName != "Alice" {
		t.Fatalf("identity = %+v", ident)
	}
}

func TestJWTAuthenticatorRejects(t *testing.T) {
	secret := []byte("test-secret")
	a := NewJWTAuthenticator(secret)
	ctx := context.Background()

	if _, err := a.Authenticate(ctx, ""); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := a.Authenticate(ctx, "not.a.token"); err == nil {
		t.Fatal("garbage token accepted")
	}

	wrongKey, _, _ := security.Generate(security.DefaultOptions([]byte("other-secret")), "alice", "")
	if _, err := a.Authenticate(ctx, wrongKey); err == nil {
		t.Fatal("token signed with wrong key accepted")
	}

	past := time.Now().Add(-time.Hour)
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "alice",
		"iat": past.Add(-time.Hour).Unix(),
		"exp": past.Unix(),
	})
	expired, _ := tok.SignedString(secret)
	if _, err := a.Authenticate(ctx, expired); err == nil {
		t.Fatal("expired token accepted")
	}
}
