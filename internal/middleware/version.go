package middleware

import (
	"net/http"

	"github.com/Masterminds/semver/v3"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// VersionGate rejects clients whose X-App-Version is older than the
// configured minimum with 426 Upgrade Required. Requests without the
// header or with an unparseable version pass: the gate exists to push
// known-old sync clients to upgrade, not to lock out other callers.
func VersionGate(minVersion string) gin.HandlerFunc {
	if minVersion == "" {
		return func(c *gin.Context) { c.Next() }
	}

	min, err := semver.NewVersion(minVersion)
	if err != nil {
		log.Warn().Err(err).Str("min_version", minVersion).Msg("invalid minimum app version, gate disabled")
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderAppVersion)
		if raw == "" {
			c.Next()
			return
		}

		v, err := semver.NewVersion(raw)
		if err != nil {
			log.Debug().Str("app_version", raw).Msg("unparseable app version header")
			c.Next()
			return
		}

		if v.LessThan(min) {
			c.AbortWithStatusJSON(http.StatusUpgradeRequired, gin.H{
				"error":       "app version too old",
				"min_version": min.String(),
			})
			return
		}

		c.Next()
	}
}
