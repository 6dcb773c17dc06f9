package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AttestationIssuer is the iss claim of every attestation.
const AttestationIssuer = "odyssey-mesh/audit"

// AttestationClaims bind a run id to the integrity hashes of its export.
type AttestationClaims struct {
	jwt.RegisteredClaims
	Integrity IntegrityHashes `json:"integrity_hashes"`
}

// Attest signs the trail's integrity hashes with HS256. A zero ttl issues
// a token without expiry.
func Attest(t *Trail, key []byte, now time.Time, ttl time.Duration) (string, error) {
	if len(key) == 0 {
		return "", errors.New("audit: empty attestation key")
	}
	claims := AttestationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   AttestationIssuer,
			Subject:  t.RunID,
			IssuedAt: jwt.NewNumericDate(now.UTC()),
		},
		Integrity: t.Hashes,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.UTC().Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("audit: sign attestation: %w", err)
	}
	return signed, nil
}

// VerifyAttestation checks the token signature and that data is a valid
// trail whose recomputed hashes match the attested ones.
func VerifyAttestation(token string, key []byte, data []byte) (*AttestationClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AttestationClaims{}, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(AttestationIssuer))
	if err != nil {
		return nil, fmt.Errorf("audit: attestation: %w", err)
	}
	claims, ok := parsed.Claims.(*AttestationClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}

	res, err := Verify(data)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	if res.Computed != claims.Integrity {
		return nil, fmt.Errorf("%w: trail does not match attestation", ErrIntegrityMismatch)
	}
	if res.RunID != claims.Subject {
		return nil, fmt.Errorf("%w: run id %q, attested %q", ErrIntegrityMismatch, res.RunID, claims.Subject)
	}
	return claims, nil
}
