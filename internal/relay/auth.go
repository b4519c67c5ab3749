package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type tokenClaims struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth returns an AuthFunc validating HMAC-signed credentials.
func JWTAuth(secret string) AuthFunc {
	key := []byte(secret)
	return func(token string) (*Claims, error) {
		var claims tokenClaims
		tok, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			return nil, err
		}
		if !tok.Valid {
			return nil, errors.New("invalid token")
		}
		uid := claims.UID
		if uid == "" {
			uid = claims.Subject
		}
		if uid == "" {
			return nil, errors.New("token carries no identity")
		}
		return &Claims{UID: uid, Name: claims.Name, Role: claims.Role, Avatar: claims.Avatar}, nil
	}
}

// IssueToken mints a signed credential for uid. Used by the provisioning
// tooling and by tests.
func IssueToken(secret, uid, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		UID:  uid,
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
