package graph

import (
	"encoding/json"
	"fmt"
)

// deepCopy creates a deep copy of state S using JSON round-trip serialization.
//
// Every task in a superstep receives its own copy of the accumulated state so
// that concurrent nodes never observe each other's in-progress mutations.
// This works for any state type that survives a JSON round-trip:
//   - Primitives, structs with exported fields, slices, maps
//   - Pointers (values are copied, not addresses)
//
// Unexported fields, channels, and functions are not copied; checkpointable
// state must not contain them (see I5 in the persistence layer).
func deepCopy[S any](state S) (S, error) {
	var zero S

	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return copied, nil
}
