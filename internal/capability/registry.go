// Package capability implements the Capability Registry (C2): a pure,
// immutable table of (capability_id, operation, parameter schema) tuples
// consulted by the connector runtime and the rule engine. It holds no
// state and performs no side effects.
package capability

import (
	"fmt"

	"github.com/ocx/connectorfabric/internal/fabricerr"
)

// ParamKind is the closed set of scalar parameter types the registry can
// validate.
type ParamKind string

const (
	ParamString ParamKind = "string"
	ParamInt    ParamKind = "int"
	ParamFloat  ParamKind = "float"
	ParamBool   ParamKind = "bool"
	ParamAny    ParamKind = "any"
)

// ParamSpec describes one named parameter of an operation.
type ParamSpec struct {
	Name     string
	Kind     ParamKind
	Required bool
}

// Operation describes one callable verb a capability exposes.
type Operation struct {
	Name   string
	Params []ParamSpec
}

// Descriptor is one entry in the registry: a capability id, the operations
// it exposes, and whether it requires an established connection.
type Descriptor struct {
	ID                 string
	Name               string
	Operations         map[string]Operation
	RequiresConnection bool
}

// Registry is a static, build-time-populated catalog. Safe for concurrent
// read-only use by any number of goroutines; it is never mutated after
// construction.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry builds a registry from the given descriptors. Each connector
// implementation contributes its own manifest at the composition root;
// there is no package-level global registry.
func NewRegistry(descriptors ...Descriptor) *Registry {
	r := &Registry{descriptors: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.descriptors[d.ID] = d
	}
	return r
}

// Lookup returns the descriptor for a capability id.
func (r *Registry) Lookup(capabilityID string) (Descriptor, bool) {
	d, ok := r.descriptors[capabilityID]
	return d, ok
}

// Validate checks that (capabilityID, operation, parameters) is a
// well-formed call against the registered schema.
func (r *Registry) Validate(capabilityID, operation string, parameters map[string]any) error {
	d, ok := r.descriptors[capabilityID]
	if !ok {
		return fabricerr.New(fabricerr.KindUnknownCapability, "capability.Validate",
			fmt.Sprintf("unknown capability %q", capabilityID))
	}
	op, ok := d.Operations[operation]
	if !ok {
		return fabricerr.New(fabricerr.KindUnknownOperation, "capability.Validate",
			fmt.Sprintf("capability %q has no operation %q", capabilityID, operation))
	}
	for _, p := range op.Params {
		v, present := parameters[p.Name]
		if !present {
			if p.Required {
				return fabricerr.New(fabricerr.KindParamError, "capability.Validate",
					fmt.Sprintf("missing required parameter %q for %s.%s", p.Name, capabilityID, operation))
			}
			continue
		}
		if !kindMatches(p.Kind, v) {
			return fabricerr.New(fabricerr.KindParamError, "capability.Validate",
				fmt.Sprintf("parameter %q for %s.%s has wrong type", p.Name, capabilityID, operation))
		}
	}
	return nil
}

func kindMatches(kind ParamKind, v any) bool {
	switch kind {
	case ParamAny:
		return true
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamInt:
		switch v.(type) {
		case int, int32, int64:
			return true
		}
		return false
	case ParamFloat:
		switch v.(type) {
		case float32, float64, int, int64:
			return true
		}
		return false
	default:
		return true
	}
}

// IDs returns the capability ids known to the registry, for diagnostics.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	return ids
}
