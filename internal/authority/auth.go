package authority

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "pulse"

// SignToken issues an HS256 bearer token for userID valid for ttl from now.
func SignToken(secret, userID string, now time.Time, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("sign token: secret is empty")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

type tokenVerifier struct {
	secret []byte
}

// verify checks an Authorization header and that its subject is userID.
func (v *tokenVerifier) verify(header, userID string) error {
	if header == "" {
		return errors.New("missing Authorization header")
	}
	scheme, tokenStr, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || tokenStr == "" {
		return errors.New("invalid Authorization header format (expected 'Bearer <token>')")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return errors.New("invalid or expired token")
	}
	if claims.Subject != userID {
		return errors.New("token subject does not match user")
	}
	return nil
}
