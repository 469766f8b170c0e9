package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// wsTokenTTL bounds how long a minted websocket token stays usable. Tokens
// are single-purpose: exchanged immediately for a connection.
const wsTokenTTL = 5 * time.Minute

// WSClaims is the JWT claims structure for websocket connect tokens.
type WSClaims struct {
	TenantID string `json:"tenantId"`
	KeyID    string `json:"keyId"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateWSToken mints a short-lived JWT for opening a websocket, since
// browsers cannot set custom headers on the upgrade request.
func GenerateWSToken(id Identity, secret []byte) (string, error) {
	claims := &WSClaims{
		TenantID: id.TenantID,
		KeyID:    id.KeyID,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(wsTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateWSToken parses and validates a websocket connect token.
func ValidateWSToken(tokenStr string, secret []byte) (*WSClaims, error) {
	claims := &WSClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
