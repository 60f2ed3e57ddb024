package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"gigconnect-chat/internal/apperr"
	"gigconnect-chat/internal/auth"
	"gigconnect-chat/internal/logging"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "userID"

// AuthMiddleware validates the Authorization bearer token.
func AuthMiddleware(validator auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abort(c, auth.ErrMissingToken)
			return
		}

		token, ok := auth.BearerToken(header)
		if !ok {
			abort(c, apperr.New(apperr.KindUnauthenticated, "invalid authorization header"))
			return
		}

		userID, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			abort(c, err)
			return
		}

		c.Set(UserIDKey, userID)
		logger := logging.Ctx(c.Request.Context()).With().Int(logging.FieldUserID, userID).Logger()
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), logger))
		c.Next()
	}
}

// InternalToken guards service-to-service endpoints with a shared secret in
// the X-Internal-Token header. An empty secret rejects every request.
func InternalToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Internal-Token")
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			abort(c, apperr.New(apperr.KindUnauthenticated, "invalid internal token"))
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	if apperr.KindOf(err) != apperr.KindUnauthenticated {
		err = auth.ErrInvalidToken
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{"error": apperr.MessageOf(err), "code": string(apperr.KindUnauthenticated)})
}
