package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strob0t/tenantgate/internal/adapter/memory"
	"github.com/Strob0t/tenantgate/internal/config"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/secrets"
)

const testSigningKey = "test-signing-key-at-least-32-bytes-long"

var testAuthConfig = config.Auth{
	SecretKey: "JWT_SECRET",
	Issuer:    "https://idp.test",
	Audience:  "tenantgate",
	Leeway:    time.Second,
	TokenTTL:  time.Hour,
}

func newTestVerifier(t *testing.T, secret string) (*PrincipalVerifier, *memory.Store) {
	t.Helper()
	vault, err := secrets.NewVault(func() (map[string]string, error) {
		if secret == "" {
			return map[string]string{}, nil
		}
		return map[string]string{"JWT_SECRET": secret}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	store := memory.NewStore()
	return NewPrincipalVerifier(vault, testAuthConfig, store), store
}

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func baseClaims() sessionClaims {
	now := time.Now()
	return sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testAuthConfig.Issuer,
			Subject:   "alice",
			Audience:  jwt.ClaimStrings{testAuthConfig.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        "jti-1",
		},
		Org: "acme",
	}
}

func TestVerify_ValidToken(t *testing.T) {
	v, _ := newTestVerifier(t, testSigningKey)
	raw := signClaims(t, jwt.SigningMethodHS256, []byte(testSigningKey), baseClaims())

	p, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != "alice" || p.ClaimedOrg != "acme" || p.TokenID != "jti-1" {
		t.Errorf("principal = %+v", p)
	}
}

func TestVerify_Rejects(t *testing.T) {
	key := []byte(testSigningKey)
	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"empty", func(*testing.T) string { return "" }},
		{"garbage", func(*testing.T) string { return "not.a.token" }},
		{"alg none", func(t *testing.T) string {
			return signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, baseClaims())
		}},
		{"other hmac alg", func(t *testing.T) string {
			return signClaims(t, jwt.SigningMethodHS512, key, baseClaims())
		}},
		{"wrong key", func(t *testing.T) string {
			return signClaims(t, jwt.SigningMethodHS256, []byte("another-key-that-is-also-long-enough"), baseClaims())
		}},
		{"expired", func(t *testing.T) string {
			c := baseClaims()
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
			return signClaims(t, jwt.SigningMethodHS256, key, c)
		}},
		{"no expiry", func(t *testing.T) string {
			c := baseClaims()
			c.ExpiresAt = nil
			return signClaims(t, jwt.SigningMethodHS256, key, c)
		}},
		{"wrong audience", func(t *testing.T) string {
			c := baseClaims()
			c.Audience = jwt.ClaimStrings{"someone-else"}
			return signClaims(t, jwt.SigningMethodHS256, key, c)
		}},
		{"wrong issuer", func(t *testing.T) string {
			c := baseClaims()
			c.Issuer = "https://evil.test"
			return signClaims(t, jwt.SigningMethodHS256, key, c)
		}},
		{"issued in future", func(t *testing.T) string {
			c := baseClaims()
			c.IssuedAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
			return signClaims(t, jwt.SigningMethodHS256, key, c)
		}},
		{"no subject", func(t *testing.T) string {
			c := baseClaims()
			c.Subject = ""
			return signClaims(t, jwt.SigningMethodHS256, key, c)
		}},
		{"no token id", func(t *testing.T) string {
			c := baseClaims()
			c.ID = ""
			return signClaims(t, jwt.SigningMethodHS256, key, c)
		}},
	}
	v, _ := newTestVerifier(t, testSigningKey)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token(t))
			if !errors.Is(err, domain.ErrUnauthenticated) {
				t.Errorf("err = %v, want ErrUnauthenticated", err)
			}
		})
	}
}

func TestVerify_RevokedToken(t *testing.T) {
	v, _ := newTestVerifier(t, testSigningKey)
	ctx := context.Background()
	raw, err := v.Issue("alice", "acme", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := v.Verify(ctx, raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := v.Revoke(ctx, p); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := v.Verify(ctx, raw); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("revoked token: err = %v, want ErrUnauthenticated", err)
	}
}

func TestVerify_MissingKeyFailsClosed(t *testing.T) {
	v, _ := newTestVerifier(t, "")
	raw := signClaims(t, jwt.SigningMethodHS256, []byte(testSigningKey), baseClaims())
	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
	if _, err := v.Issue("alice", "acme", 0); err == nil {
		t.Error("issue without key should fail")
	}
}

func TestVerify_KeyRotation(t *testing.T) {
	keys := []string{"signing-key-generation-one-32-bytes", "signing-key-generation-two-32-bytes", "signing-key-generation-three-32byte"}
	gen := 0
	vault, err := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"JWT_SECRET": keys[gen]}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	v := NewPrincipalVerifier(vault, testAuthConfig, memory.NewStore())
	ctx := context.Background()

	before, err := v.Issue("alice", "acme", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	gen = 1
	if err := vault.Reload(); err != nil {
		t.Fatal(err)
	}
	after, err := v.Issue("alice", "acme", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	for name, raw := range map[string]string{"issued before rotation": before, "issued after rotation": after} {
		if _, err := v.Verify(ctx, raw); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}

	// A second rotation retires the first key.
	gen = 2
	if err := vault.Reload(); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(ctx, before); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("two rotations old: err = %v, want ErrUnauthenticated", err)
	}
	if _, err := v.Verify(ctx, after); err != nil {
		t.Errorf("one rotation old: %v", err)
	}
}
