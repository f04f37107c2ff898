// Package meta holds the function metadata registry: a read-only table, keyed by
// namespace and function name, describing every procedure's kind, auth mode, role and
// rate-limit bucket.
package meta

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
)

// Kind is the execution model of a procedure.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
	KindAction   Kind = "action"
)

func (k Kind) Valid() bool {
	switch k {
	case KindQuery, KindMutation, KindAction:
		return true
	}
	return false
}

// AuthMode is the authentication requirement of a procedure. The zero value means none.
type AuthMode string

const (
	AuthNone     AuthMode = ""
	AuthOptional AuthMode = "optional"
	AuthRequired AuthMode = "required"
)

func (a AuthMode) Valid() bool {
	switch a {
	case AuthNone, AuthOptional, AuthRequired:
		return true
	}
	return false
}

// DefaultRateLimitBucket is used by the rate-limit stage when a function names no bucket.
const DefaultRateLimitBucket = "default"

// FunctionMeta describes one registered function.
type FunctionMeta struct {
	Kind      Kind     `json:"type"`
	Auth      AuthMode `json:"auth,omitempty"`
	Role      string   `json:"role,omitempty"`
	RateLimit string   `json:"rateLimit,omitempty"`
	Dev       bool     `json:"dev,omitempty"`

	// Internal functions are callable in-process only and are left out of generated
	// registries.
	Internal bool `json:"-"`
}

// Bucket returns the rate-limit bucket, falling back to DefaultRateLimitBucket.
func (m FunctionMeta) Bucket() string {
	if m.RateLimit == "" {
		return DefaultRateLimitBucket
	}
	return m.RateLimit
}

func (m FunctionMeta) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("invalid function type %q", m.Kind)
	}
	if !m.Auth.Valid() {
		return fmt.Errorf("invalid auth mode %q", m.Auth)
	}
	return nil
}

// SplitQualified splits "namespace:name" into its parts. A name without a namespace
// separator belongs to the empty namespace.
func SplitQualified(qualified string) (namespace, name string) {
	if i := strings.LastIndexByte(qualified, ':'); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	return "", qualified
}

// Qualify joins a namespace and a function name.
func Qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + ":" + name
}

// Table is the serialized form of a registry: meta[namespace][name].
type Table map[string]map[string]FunctionMeta

// Registry is an immutable function metadata table. The zero value is an empty registry.
type Registry struct {
	table Table
}

// NewRegistry copies table into a new Registry after validating every entry.
func NewRegistry(table Table) (*Registry, error) {
	cp := make(Table, len(table))
	for ns, fns := range table {
		inner := make(map[string]FunctionMeta, len(fns))
		for name, m := range fns {
			if name == "" {
				return nil, fmt.Errorf("namespace %q: empty function name", ns)
			}
			if err := m.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", Qualify(ns, name), err)
			}
			inner[name] = m
		}
		cp[ns] = inner
	}
	return &Registry{table: cp}, nil
}

// MustNewRegistry is like NewRegistry but panics on invalid input.
func MustNewRegistry(table Table) *Registry {
	r, err := NewRegistry(table)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the metadata of a function.
func (r *Registry) Lookup(namespace, name string) (FunctionMeta, bool) {
	if r == nil {
		return FunctionMeta{}, false
	}
	m, ok := r.table[namespace][name]
	return m, ok
}

// LookupQualified returns the metadata of a function by its "namespace:name" form.
func (r *Registry) LookupQualified(qualified string) (FunctionMeta, bool) {
	ns, name := SplitQualified(qualified)
	return r.Lookup(ns, name)
}

// MustLookup is like Lookup but returns an ErrUnknownFunction error on a miss.
func (r *Registry) MustLookup(qualified string) (FunctionMeta, error) {
	m, ok := r.LookupQualified(qualified)
	if !ok {
		return FunctionMeta{}, fmt.Errorf("%w: %s", crpcerrors.ErrUnknownFunction, qualified)
	}
	return m, nil
}

// Namespaces returns the sorted list of namespaces.
func (r *Registry) Namespaces() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.table))
	for ns := range r.table {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Functions returns the sorted function names of a namespace.
func (r *Registry) Functions(namespace string) []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.table[namespace]))
	for name := range r.table[namespace] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of functions in the registry.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, fns := range r.table {
		n += len(fns)
	}
	return n
}

// Table returns a copy of the underlying table.
func (r *Registry) Table() Table {
	cp := Table{}
	if r == nil {
		return cp
	}
	for ns, fns := range r.table {
		inner := make(map[string]FunctionMeta, len(fns))
		for name, m := range fns {
			inner[name] = m
		}
		cp[ns] = inner
	}
	return cp
}

// Marshal encodes the registry as YAML. Internal functions are omitted.
func (r *Registry) Marshal() ([]byte, error) {
	out := Table{}
	for ns, fns := range r.Table() {
		for name, m := range fns {
			if m.Internal {
				continue
			}
			if out[ns] == nil {
				out[ns] = map[string]FunctionMeta{}
			}
			out[ns][name] = m
		}
	}
	return yaml.Marshal(out)
}

// Parse decodes a YAML or JSON registry.
func Parse(data []byte) (*Registry, error) {
	var table Table
	if err := yaml.UnmarshalStrict(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse function registry: %w", err)
	}
	return NewRegistry(table)
}

// Load reads a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read function registry: %w", err)
	}
	return Parse(data)
}
