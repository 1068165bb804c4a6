package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

// Token scopes. Realtime tokens only open the websocket gateway.
const (
	ScopeAPI      = "api"
	ScopeRealtime = "realtime"
)

type AccessClaims struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
	jwt.RegisteredClaims
}

func GenerateToken(userID, scope, secret string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := &AccessClaims{
		UserID: userID,
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func ValidateAccessToken(tokenString, secret string) (*AccessClaims, error) {
	claims := &AccessClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w, unexpected signing method", domain.ErrInvalidToken)
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrExpiredToken
		}
		return nil, domain.ErrInvalidToken
	}

	if !token.Valid || claims.UserID == "" {
		return nil, domain.ErrInvalidToken
	}
	return claims, nil
}

func ExtractToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("%w, header is empty", domain.ErrInvalidToken)
	}

	if len(authHeader) < len(bearerPrefix) || authHeader[:len(bearerPrefix)] != bearerPrefix {
		return "", fmt.Errorf("%w, invalid format, forgot 'Bearer '?)", domain.ErrInvalidToken)
	}
	return authHeader[len(bearerPrefix):], nil
}
