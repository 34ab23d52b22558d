package middleware

import (
	"github.com/Angel-Anselmo/NestPay-sub000/kernel"
	"github.com/gin-gonic/gin"
)

// ClientKeyMiddleware checks X-Api-Key against the configured SHA-512
// hashes. Without configured hashes every caller is let through.
func ClientKeyMiddleware(art *kernel.AppRuntime) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(art.ClientApiKeyHashes) == 0 {
			c.Next()
			return
		}
		rt := c.MustGet("rt").(*kernel.RequestRuntime)

		rt.StepInto("middleware.client_key")

		key := c.GetHeader("X-Api-Key")
		if key == "" {
			rt.Ef(401, "unauthorized: no api key")
			return
		}
		if !kernel.MatchesHash(key, art.ClientApiKeyHashes) {
			rt.Ef(401, "unauthorized: invalid api key")
			return
		}
		rt.ClientKey = kernel.Sha512(key)

		rt.EndBlock()
		c.Next()
	}
}
