package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Experiment holds the schema definition for the Experiment entity.
// The top-level unit: a comparison of two toolchains over a crate corpus
// under a mode. See pkg/store for the hand-written runtime queries this
// schema documents (no generated ent client is checked in, see DESIGN.md).
type Experiment struct {
	ent.Schema
}

// Fields of the Experiment.
func (Experiment) Fields() []ent.Field {
	return []ent.Field{
		field.String("name").
			StorageKey("name").
			Unique().
			Immutable(),

		field.String("toolchain_start").
			Comment("t0"),
		field.String("toolchain_end").
			Comment("t1"),

		field.Enum("mode").
			Values("build_and_test", "build_only", "check_only", "rustdoc", "unstable_features", "clippy").
			Default("build_and_test"),
		field.Enum("cap_lints").
			Values("allow", "warn", "deny", "forbid").
			Default("warn"),

		field.Int("priority").
			Default(0),

		field.Enum("status").
			Values("queued", "running", "needs_report", "failed", "generating_report", "completed", "report_failed").
			Default("queued"),

		field.Time("created_at").
			Immutable(),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),

		field.String("assigned_to").
			Optional().
			Nillable().
			Comment("agent name currently owning the first open chunk, informational only"),

		field.String("report_url").
			Optional().
			Nillable(),

		field.Bool("ignore_blacklist").
			Default(false),

		field.Int("children").
			Default(0).
			Comment("outstanding chunk counter; Running->NeedsReport when it reaches 0"),

		field.String("github_issue_url").
			Optional().
			Nillable(),
		field.Int("github_issue_number").
			Optional().
			Nillable(),
	}
}

// Edges of the Experiment.
func (Experiment) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("crates", ExperimentCrate.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("chunks", ExperimentChunk.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("results", Result.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("shas", Sha.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Experiment.
func (Experiment) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status", "priority", "created_at"),
	}
}
