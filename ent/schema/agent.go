package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/field"
)

// Agent holds the schema definition for the Agent entity, registered from
// a static token table (see pkg/config).
type Agent struct {
	ent.Schema
}

// Fields of the Agent.
func (Agent) Fields() []ent.Field {
	return []ent.Field{
		field.String("name").
			StorageKey("name").
			Unique().
			Immutable(),
		field.String("token_hash").
			Comment("sha256 of the bearer token; tokens are never stored in cleartext"),
		field.Time("last_heartbeat").
			Optional().
			Nillable(),
		field.String("git_revision").
			Optional().
			Nillable(),
	}
}
