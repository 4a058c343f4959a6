package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Strob0t/tenantgate/internal/config"
	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/member"
	"github.com/Strob0t/tenantgate/internal/port/database"
	"github.com/Strob0t/tenantgate/internal/secrets"
)

// sessionClaims are the claims tenantgate accepts in a session token. Org is
// the organization the identity provider says the session was opened for;
// it is a claim, not a grant.
type sessionClaims struct {
	jwt.RegisteredClaims
	Org string `json:"org,omitempty"`
}

// PrincipalVerifier validates session tokens and extracts the principal.
// It never trusts a token partially: any failure is ErrUnauthenticated.
type PrincipalVerifier struct {
	vault  *secrets.Vault
	cfg    config.Auth
	tokens database.TokenStore
	now    func() time.Time
}

// NewPrincipalVerifier creates a verifier reading its HMAC key from vault
// under cfg.SecretKey on every call, so a reloaded key takes effect at once.
func NewPrincipalVerifier(vault *secrets.Vault, cfg config.Auth, tokens database.TokenStore) *PrincipalVerifier {
	return &PrincipalVerifier{vault: vault, cfg: cfg, tokens: tokens, now: time.Now}
}

func (v *PrincipalVerifier) parser() *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)
}

// Verify checks signature, algorithm, issuer, audience and expiry of raw and
// that the token has not been revoked.
func (v *PrincipalVerifier) Verify(ctx context.Context, raw string) (*member.Principal, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing credential", domain.ErrUnauthenticated)
	}

	// The key replaced by the last rotation still verifies, so sessions
	// issued just before a SIGHUP survive it.
	ring := v.vault.Keyring(v.cfg.SecretKey)
	if len(ring) == 0 {
		slog.ErrorContext(ctx, "session signing key unavailable", "key", v.cfg.SecretKey)
		return nil, fmt.Errorf("%w: verifier not configured", domain.ErrUnauthenticated)
	}
	var (
		claims sessionClaims
		err    error
	)
	for _, key := range ring {
		claims = sessionClaims{}
		_, err = v.parser().ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: token lacks sub or jti", domain.ErrUnauthenticated)
	}

	revoked, err := v.tokens.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail closed: an unknown revocation state is not a valid session.
		slog.ErrorContext(ctx, "revocation check failed", "error", err)
		return nil, fmt.Errorf("%w: revocation check failed", domain.ErrUnauthenticated)
	}
	if revoked {
		return nil, fmt.Errorf("%w: token revoked", domain.ErrUnauthenticated)
	}

	return &member.Principal{
		ID:         claims.Subject,
		ClaimedOrg: claims.Org,
		TokenID:    claims.ID,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

// Issue signs a session token for principalID. tenantgate does not issue
// tokens in production; this backs the admin CLI and tests.
func (v *PrincipalVerifier) Issue(principalID, org string, ttl time.Duration) (string, error) {
	if principalID == "" {
		return "", errors.New("principal id is required")
	}
	key, err := v.vault.Require(v.cfg.SecretKey)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = v.cfg.TokenTTL
	}
	now := v.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.cfg.Issuer,
			Subject:   principalID,
			Audience:  jwt.ClaimStrings{v.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Org: org,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// Revoke invalidates the principal's current token until it would have expired.
func (v *PrincipalVerifier) Revoke(ctx context.Context, p *member.Principal) error {
	if p == nil || p.TokenID == "" {
		return fmt.Errorf("%w: no token to revoke", domain.ErrValidation)
	}
	if err := v.tokens.RevokeToken(ctx, p.TokenID, p.ExpiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// PurgeRevocations drops revocation entries for tokens that have expired.
func (v *PrincipalVerifier) PurgeRevocations(ctx context.Context) (int64, error) {
	return v.tokens.PurgeExpiredTokens(ctx)
}
