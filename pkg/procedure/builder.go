package procedure

import (
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/middleware"
	"github.com/crpcgo/crpc/pkg/validation"
)

// Builder accumulates the metadata, stages and schemas of one procedure. Builders are
// values; every method returns a modified copy and leaves the receiver untouched, so a
// preset can be shared between procedures.
type Builder struct {
	factory     *Factory
	meta        meta.FunctionMeta
	chain       middleware.Chain
	input       *validation.Schema
	output      *validation.Schema
	rateLimited bool
	// roleChecked is set on presets whose chain contains a role stage.
	roleChecked bool
}

func (b Builder) internal() Builder {
	b.meta.Internal = true
	return b
}

// Role requires the caller to hold role. Building a procedure from a preset without a
// role stage (the public, optional-auth and internal presets) panics.
func (b Builder) Role(role string) Builder {
	b.meta.Role = role
	return b
}

// RateLimit names the admission bucket.
func (b Builder) RateLimit(bucket string) Builder {
	b.meta.RateLimit = bucket
	return b
}

// Dev marks the procedure as development-only.
func (b Builder) Dev() Builder {
	b.meta.Dev = true
	return b
}

// Use appends stages after the preset stages.
func (b Builder) Use(stages ...middleware.Stage) Builder {
	b.chain = b.chain.Append(stages...)
	return b
}

// Input validates inputs against schema before any stage runs.
func (b Builder) Input(schema *validation.Schema) Builder {
	b.input = schema
	return b
}

// Output validates handler outputs against schema.
func (b Builder) Output(schema *validation.Schema) Builder {
	b.output = schema
	return b
}

// Kind returns the kind the builder produces.
func (b Builder) Kind() meta.Kind {
	return b.meta.Kind
}

// FunctionMeta returns the metadata the builder will register.
func (b Builder) FunctionMeta() meta.FunctionMeta {
	return b.meta
}
