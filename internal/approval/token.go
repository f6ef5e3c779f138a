package approval

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jkaninda/olav/internal/domain"
)

const tokenIssuer = "olav"

// Claims is the continuation carried by an approval token: everything needed to
// resume the suspended request in another process.
type Claims struct {
	jwt.RegisteredClaims
	Request domain.CommandRequest `json:"req"`
	Kind    domain.OperationKind  `json:"kind"`
}

// Signer issues and verifies approval tokens.
type Signer struct {
	key []byte
}

// NewSigner returns a signer using key. An empty key generates a random one, which
// makes tokens valid only for the life of the process.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating approval token key: %w", err)
		}
	}
	return &Signer{key: key}, nil
}

// Issue signs a continuation for the approval id.
func (s *Signer) Issue(id uuid.UUID, req domain.CommandRequest, kind domain.OperationKind, issued, expires time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Subject:   req.Device,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Request: req,
		Kind:    kind,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign approval token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and returns the claims. Expiry is not checked here;
// the gate checks it against its own clock so an expired token can still be
// attributed to its approval record.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != tokenIssuer || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	return claims, nil
}
