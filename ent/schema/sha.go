package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Sha holds the schema definition for the Sha entity: the commit hash
// captured for a GitHub crate during prepare, pinning its source.
type Sha struct {
	ent.Schema
}

// Fields of the Sha.
func (Sha) Fields() []ent.Field {
	return []ent.Field{
		field.String("experiment_name").
			Immutable(),
		field.String("org").
			Immutable(),
		field.String("name").
			Immutable(),
		field.String("sha"),
	}
}

// Edges of the Sha.
func (Sha) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("experiment", Experiment.Type).
			Ref("shas").
			Field("experiment_name").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Sha.
func (Sha) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("experiment_name", "org", "name").
			Unique(),
	}
}
