package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// LockSource exposes the current write-lock holder to the middleware
type LockSource interface {
	HolderToken(ctx context.Context) (string, error)
}

// RequireLockToken gates write endpoints behind the advisory write
// lock. No lock held means pass-through; while a lock is held the
// request must present the holder's token in X-Lock-UUID or receive
// 423. The lock is advisory: only routes wired through this middleware
// are serialized.
func RequireLockToken(lock LockSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		holder, err := lock.HolderToken(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Msg("write lock lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "lock state unavailable",
			})
			return
		}

		if holder == "" {
			c.Next()
			return
		}

		token := c.GetHeader(HeaderLockToken)
		if token != holder {
			log.Warn().
				Str("client_id", c.GetHeader(HeaderClientID)).
				Str("path", c.Request.URL.Path).
				Bool("token_present", token != "").
				Msg("write rejected: lock held by another client")
			c.AbortWithStatusJSON(http.StatusLocked, gin.H{
				"error": "write lock held by another client",
			})
			return
		}

		c.Next()
	}
}
