package bus

import "github.com/ocx/connectorfabric/internal/model"

// ByType matches events whose type is in the given set. An empty set
// matches nothing deliberately — callers wanting "any type" should omit
// this filter rather than pass an empty set.
func ByType(types ...model.EventType) Filter {
	set := make(map[model.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e *model.Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// BySource matches events produced by one of the given connector ids.
func BySource(sourceConnectorIDs ...string) Filter {
	set := make(map[string]struct{}, len(sourceConnectorIDs))
	for _, id := range sourceConnectorIDs {
		set[id] = struct{}{}
	}
	return func(e *model.Event) bool {
		_, ok := set[e.SourceConnectorID]
		return ok
	}
}

// ByDevice matches events concerning one of the given device ids.
func ByDevice(deviceIDs ...string) Filter {
	set := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		set[id] = struct{}{}
	}
	return func(e *model.Event) bool {
		_, ok := set[e.DeviceID]
		return ok
	}
}

// All combines filters with logical AND. An unknown/missing field a
// sub-filter inspects simply yields no match for that sub-filter, never a
// fault — this falls out naturally since every Filter here is total.
func All(filters ...Filter) Filter {
	return func(e *model.Event) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}

// Any combines filters with logical OR.
func Any(filters ...Filter) Filter {
	return func(e *model.Event) bool {
		for _, f := range filters {
			if f != nil && f(e) {
				return true
			}
		}
		return false
	}
}
