package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/craterd/craterd/pkg/models"
)

const agentContextKey = "craterd.agent"

// agentStore is the subset of pkg/store the auth middleware needs: look up
// the agent owning a token, and refresh its heartbeat/revision.
type agentStore interface {
	AgentByTokenHash(ctx context.Context, tokenHash string) (*models.Agent, error)
	Heartbeat(ctx context.Context, name string, gitRevision *string) error
}

// HashToken reduces a bearer token to its storage form. Tokens are
// capability-bearing secrets; the store never holds the raw value, per
// spec §4.4's "unknown tokens yield Unauthorized" (a leaked row dump
// should not itself reveal valid tokens). Exported so cmd/craterd can hash
// the static agent token table the same way before seeding it at startup.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// requireAgent authenticates the `Authorization: CraterToken <token>`
// header (spec §4.4) against the per-agent token store, attaching the
// resolved agent to the gin context on success. A header in the wrong
// shape or naming an unknown token yields the tagged Unauthorized envelope,
// never an HTTP 401 — the coordinator always answers 200 with a typed body
// so agents can distinguish transport failures (worth retrying) from
// protocol rejections (worth giving up on).
func requireAgent(store agentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "CraterToken "
		if !strings.HasPrefix(header, prefix) {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		if token == "" {
			writeUnauthorized(c)
			c.Abort()
			return
		}

		agent, err := store.AgentByTokenHash(c.Request.Context(), HashToken(token))
		if err != nil {
			writeUnauthorized(c)
			c.Abort()
			return
		}

		// An agent may carry its build revision on every request; refresh
		// it alongside the heartbeat opportunistically rather than
		// requiring a separate call for revision-only updates.
		if rev := c.GetHeader("X-Crater-Git-Revision"); rev != "" {
			agent.GitRevision = &rev
			_ = store.Heartbeat(c.Request.Context(), agent.Name, &rev)
		}

		c.Set(agentContextKey, agent)
		c.Next()
	}
}

// currentAgent retrieves the agent attached by requireAgent. Handlers
// behind that middleware may call this unconditionally.
func currentAgent(c *gin.Context) *models.Agent {
	v, ok := c.Get(agentContextKey)
	if !ok {
		return nil
	}
	agent, _ := v.(*models.Agent)
	return agent
}
