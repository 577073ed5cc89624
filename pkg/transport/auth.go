package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openfroyo/fleet/pkg/types"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator issues and verifies peer tokens. The token subject is the peer id.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an HS256 authenticator.
func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("authentication secret must not be empty")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}, nil
}

// Issue creates a token for the peer valid for ttl.
func (a *Authenticator) Issue(peerID types.PeerID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   peerID.String(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token and returns the peer it was issued to.
func (a *Authenticator) Verify(tokenString string) (types.PeerID, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, options...)
	if err != nil || !token.Valid {
		return types.PeerID{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	peerID, err := types.ParsePeerID(claims.Subject)
	if err != nil {
		return types.PeerID{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return peerID, nil
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
