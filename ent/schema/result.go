package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Result holds the schema definition for the Result entity: the outcome of
// running one (crate, toolchain) pair within an experiment.
type Result struct {
	ent.Schema
}

// Fields of the Result.
func (Result) Fields() []ent.Field {
	return []ent.Field{
		field.String("experiment_name").
			Immutable(),
		field.String("crate_key").
			Immutable(),
		field.String("toolchain").
			Immutable(),

		field.Enum("kind").
			Values("build_fail", "test_fail", "test_skipped", "test_pass", "error").
			Comment("TestResult tag"),
		field.Enum("reason").
			Values("unknown", "broken", "oom", "timeout").
			Optional().
			Nillable().
			Comment("set only for build_fail/test_fail; oom/timeout are spurious"),

		field.Bytes("log").
			Optional(),

		field.Time("recorded_at"),
	}
}

// Edges of the Result.
func (Result) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("experiment", Experiment.Type).
			Ref("results").
			Field("experiment_name").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Result.
func (Result) Indexes() []ent.Index {
	return []ent.Index{
		// record-progress is idempotent by (experiment, crate, toolchain): this
		// is the upsert conflict target.
		index.Fields("experiment_name", "crate_key", "toolchain").
			Unique(),
	}
}
