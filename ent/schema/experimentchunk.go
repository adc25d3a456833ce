package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ExperimentChunk holds the schema definition for the ExperimentChunk
// entity: an agent-sized, immutable-once-split subset of an experiment's
// crate list, treated as the unit of assignment.
type ExperimentChunk struct {
	ent.Schema
}

// Fields of the ExperimentChunk.
func (ExperimentChunk) Fields() []ent.Field {
	return []ent.Field{
		field.String("name").
			StorageKey("name").
			Unique().
			Immutable(),
		field.String("experiment_name").
			Immutable(),

		field.Enum("status").
			Values("queued", "running", "completed").
			Default("queued"),

		field.String("assigned_to").
			Optional().
			Nillable(),

		field.Time("created_at").
			Immutable(),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),

		field.JSON("crate_keys", []string{}).
			Comment("subset of the parent experiment's crates owned by this chunk"),
	}
}

// Edges of the ExperimentChunk.
func (ExperimentChunk) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("experiment", Experiment.Type).
			Ref("chunks").
			Field("experiment_name").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the ExperimentChunk.
func (ExperimentChunk) Indexes() []ent.Index {
	return []ent.Index{
		// next_for: ORDER BY priority DESC, created_at ASC needs the parent's
		// priority, joined at query time; this index supports the per-agent
		// "do I already have a running chunk" + FIFO scan within a status.
		index.Fields("status", "created_at"),
		index.Fields("assigned_to", "status").
			Annotations(entsql.IndexWhere("assigned_to IS NOT NULL")),
	}
}
