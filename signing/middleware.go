package signing

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"storagegate/metrics"
)

const (
	identityKey   = "signing.identity"
	maxSignedBody = 1 << 20
)

// Middleware rejects requests that do not carry a valid signature and makes
// the verified identity available through IdentityFrom.
func (s *Signer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := ReadBody(c.Request, maxSignedBody)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": err.Error()})
			return
		}
		id, err := s.Verify(c.Request, body)
		if err != nil {
			code := http.StatusUnauthorized
			var verr *Error
			if errors.As(err, &verr) {
				code = verr.Code
			}
			result := "forbidden"
			if code == http.StatusUnauthorized {
				result = "unsigned"
			}
			metrics.RecordSignatureCheck(result)
			slog.Warn("rejected signed request", "path", c.Request.URL.Path, "code", code, "error", err)
			c.AbortWithStatusJSON(code, gin.H{"code": code, "message": http.StatusText(code)})
			return
		}
		metrics.RecordSignatureCheck("ok")
		c.Set(identityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the identity a verified request claimed.
func IdentityFrom(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}
