package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/offlinekyc/internal/auth"
	"github.com/charlesng35/offlinekyc/pkg/errors"
	"github.com/charlesng35/offlinekyc/pkg/response"
)

const (
	CtxClaimsKey    = "authClaims"
	CtxSubjectIDKey = "subjectID"
)

// Auth resolves the caller's subject from a bearer token.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := jwt.ValidateAccessToken(strings.TrimSpace(authz[7:]))
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxSubjectIDKey, claims.SubjectID())
		c.Next()
	}
}

// SubjectID returns the subject resolved by Auth, or an empty string.
func SubjectID(c *gin.Context) string {
	return strings.TrimSpace(c.GetString(CtxSubjectIDKey))
}
