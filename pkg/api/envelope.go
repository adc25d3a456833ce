// Package api implements component D: the Coordinator's agent-facing HTTP
// surface under /agent-api/, authenticated by a per-agent bearer token and
// responding with the tagged Success/InternalError/Unauthorized/NotFound
// envelope from spec §4.4.
package api

import "github.com/gin-gonic/gin"

// writeSuccess wraps result in the tagged Success envelope.
func writeSuccess(c *gin.Context, result any) {
	c.JSON(200, gin.H{"type": "Success", "result": result})
}

// writeInternalError wraps msg in the tagged InternalError envelope. The
// spec surfaces the error text to the caller, trusting it to be an
// internal error rather than something user-supplied and unsafe to echo.
func writeInternalError(c *gin.Context, msg string) {
	c.JSON(200, gin.H{"type": "InternalError", "error": msg})
}

// writeUnauthorized wraps the tagged Unauthorized envelope.
func writeUnauthorized(c *gin.Context) {
	c.JSON(200, gin.H{"type": "Unauthorized"})
}

// writeNotFound wraps the tagged NotFound envelope.
func writeNotFound(c *gin.Context) {
	c.JSON(200, gin.H{"type": "NotFound"})
}
