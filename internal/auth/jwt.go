package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gigconnect-chat/internal/apperr"
)

var (
	ErrMissingToken = apperr.New(apperr.KindUnauthenticated, "missing authorization")
	ErrInvalidToken = apperr.New(apperr.KindUnauthenticated, "invalid token")
	ErrExpiredToken = apperr.New(apperr.KindUnauthenticated, "token has expired")
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int, error)
}

// Claims are the marketplace access-token claims. Subject carries the user id.
type Claims struct {
	UserID int    `json:"uid"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWT signs and validates HS256 access tokens shared with the auth service.
type JWT struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWT builds a JWT with the shared secret. An empty issuer skips the
// issuer check.
func NewJWT(secret, issuer string) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for userID valid for ttl.
func (j *JWT) Issue(userID int, role string, ttl time.Duration) (string, error) {
	now := j.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   strconv.Itoa(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(j.secret)
}

// ValidateToken implements TokenValidator.
func (j *JWT) ValidateToken(_ context.Context, tokenString string) (int, error) {
	if tokenString == "" {
		return 0, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredToken
		}
		return 0, ErrInvalidToken
	}
	if !token.Valid {
		return 0, ErrInvalidToken
	}

	userID := claims.UserID
	if userID == 0 {
		userID, _ = strconv.Atoi(claims.Subject)
	}
	if userID <= 0 {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}
