// internal/common/utils/jwt.go
// Access token validation. Tokens are issued by the identity service.

package utils

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const TokenTypeAccess = "access"

// AccessClaims mirrors the claims the identity service signs. user_id is
// carried as a string.
type AccessClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

// GenerateJWT signs an access token for userID
func GenerateJWT(userID int64, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		UserID: strconv.FormatInt(userID, 10),
		Type:   TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// ValidateJWT checks signature, expiry and token type and returns the user id
func ValidateJWT(tokenString, secret string) (int64, error) {
	var claims AccessClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, errors.New("invalid token")
	}
	if claims.Type != TokenTypeAccess {
		return 0, errors.New("invalid token type")
	}

	userID, err := strconv.ParseInt(claims.UserID, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errors.New("invalid user_id in token")
	}
	return userID, nil
}
