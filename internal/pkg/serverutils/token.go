package serverutils

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenClaims is the verified identity carried by a bearer token.
type TokenClaims struct {
	UserID   uuid.UUID
	Username string
}

// VerifyToken validates an HMAC-signed JWT and extracts the user identity.
// Tokens are issued elsewhere; this service only verifies them.
func VerifyToken(tokenStr string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(os.Getenv("JWT_SECRET")), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	userId, err := uuid.Parse(userIdStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	username, _ := claims["sub"].(string)

	return &TokenClaims{
		UserID:   userId,
		Username: username,
	}, nil
}
