package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IngestClaims are the JWT claims of a ledger ingest token. Ingest tokens are
// short-lived credentials handed to ingestion collaborators after they
// present the deployment API key.
type IngestClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// ScopeIngest authorizes append, amend, anchor, and annotation writes.
const ScopeIngest = "ingest"

// IngestTokenIssuer issues and verifies ingest tokens signed with HS256.
// The signing secret is shared between all ledgerd instances of a deployment.
type IngestTokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewIngestTokenIssuer creates an IngestTokenIssuer.
//
//	issuerURL — the "iss" claim value; typically the ledger's base URL.
//	ttl       — token lifetime (default: 1 hour).
func NewIngestTokenIssuer(secret []byte, issuerURL string, ttl time.Duration) *IngestTokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &IngestTokenIssuer{secret: secret, issuer: issuerURL, ttl: ttl}
}

// Issue creates a signed ingest token for the given subject.
func (t *IngestTokenIssuer) Issue(subject string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiry := now.Add(t.ttl)
	claims := IngestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			ID:        uuid.New().String(),
		},
		Scope: ScopeIngest,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiry, nil
}

// Verify parses and validates an ingest token, returning its claims on success.
func (t *IngestTokenIssuer) Verify(tokenStr string) (*IngestClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&IngestClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*IngestClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Scope != ScopeIngest {
		return nil, fmt.Errorf("unexpected scope %q", claims.Scope)
	}
	return claims, nil
}
