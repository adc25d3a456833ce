package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ExperimentCrate holds the schema definition for the per-experiment crate
// membership row: (experiment, crate, skipped).
type ExperimentCrate struct {
	ent.Schema
}

// Fields of the ExperimentCrate.
func (ExperimentCrate) Fields() []ent.Field {
	return []ent.Field{
		field.String("experiment_name").
			Immutable(),
		field.String("crate_key").
			Immutable().
			Comment("deterministic storage key, e.g. reg:name-version or gh:org/name@sha"),
		field.Bool("skipped").
			Default(false).
			Comment("configured blacklist hit; counts against total, never produces results"),
	}
}

// Edges of the ExperimentCrate.
func (ExperimentCrate) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("experiment", Experiment.Type).
			Ref("crates").
			Field("experiment_name").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the ExperimentCrate.
func (ExperimentCrate) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("experiment_name", "crate_key").
			Unique(),
	}
}
