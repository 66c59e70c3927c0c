package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/offlinekyc/pkg/errors"
	"github.com/charlesng35/offlinekyc/pkg/response"
)

// BodyLimit rejects requests whose body exceeds maxBytes. Declared lengths are refused
// up front; chunked bodies are cut off by http.MaxBytesReader while handlers read them.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 || c.Request.Body == nil {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			response.Error(c, errors.ErrPayloadTooLarge)
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
