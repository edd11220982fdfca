package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// SessionClaims are the parts of a Clerk session token we rely on. The
// subject is the user id.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid,omitempty"`
}

// SessionVerifier checks end-user session tokens issued by the identity
// provider.
type SessionVerifier struct {
	key     interface{}
	methods []string
	issuer  string
}

// NewSessionVerifier verifies RS256 tokens when publicKeyPEM is set and
// HS256 tokens signed with secret otherwise.
func NewSessionVerifier(secret, publicKeyPEM, issuer string) (*SessionVerifier, error) {
	if strings.TrimSpace(publicKeyPEM) != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse session public key: %w", err)
		}
		return &SessionVerifier{key: key, methods: []string{jwt.SigningMethodRS256.Alg()}, issuer: issuer}, nil
	}
	if secret == "" {
		return nil, errors.New("session secret or public key is required")
	}
	return &SessionVerifier{key: []byte(secret), methods: []string{jwt.SigningMethodHS256.Alg()}, issuer: issuer}, nil
}

// Verify returns the user id carried by tokenString.
func (v *SessionVerifier) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
