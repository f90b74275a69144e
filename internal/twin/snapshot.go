// Package twin implements the reducer for the module twin's reported
// properties and the per-feature slicing of its desired properties. It
// owns no I/O; the runtime is the only caller.
package twin

import (
	"encoding/json"
	"fmt"
)

// jsonNull is the canonical JSON encoding of the "clear this feature" signal.
var jsonNull = json.RawMessage("null")

// ReportedSnapshot is a JSON-shaped mapping keyed by feature id. A feature
// present in the snapshot always carries its current reported block; a
// feature the runtime declined to build (suppressed, or build-time
// disabled) appears as an explicit JSON null, the signal on-device UIs
// treat as "not available on this device".
type ReportedSnapshot struct {
	values map[string]json.RawMessage
}

// NewReportedSnapshot returns an empty snapshot.
func NewReportedSnapshot() *ReportedSnapshot {
	return &ReportedSnapshot{values: map[string]json.RawMessage{}}
}

// SetAbsent marks a feature id as explicitly absent (null).
func (s *ReportedSnapshot) SetAbsent(featureID string) {
	s.values[featureID] = jsonNull
}

// Merge applies a feature-produced patch at the feature's key. A nil or
// JSON-null patch clears the feature's reported block back to null; any
// other patch shallow-merges object keys into the existing block, so that
// fields the patch omits retain their previous value.
func (s *ReportedSnapshot) Merge(featureID string, patch json.RawMessage) error {
	if len(patch) == 0 || string(patch) == "null" {
		s.values[featureID] = jsonNull
		return nil
	}

	var patchObj map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchObj); err != nil {
		return fmt.Errorf("reported patch for %s is not a JSON object: %w", featureID, err)
	}

	existing := map[string]json.RawMessage{}
	if cur, ok := s.values[featureID]; ok && string(cur) != "null" {
		if err := json.Unmarshal(cur, &existing); err != nil {
			// previous value was malformed; start fresh rather than fail the merge
			existing = map[string]json.RawMessage{}
		}
	}

	for k, v := range patchObj {
		if len(v) == 0 || string(v) == "null" {
			delete(existing, k)
			continue
		}
		existing[k] = v
	}

	merged, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("marshalling merged reported block for %s: %w", featureID, err)
	}
	s.values[featureID] = merged
	return nil
}

// Get returns the current reported block for a feature id, or nil if absent.
func (s *ReportedSnapshot) Get(featureID string) json.RawMessage {
	return s.values[featureID]
}

// Snapshot returns a shallow copy of the whole reported map, safe for a
// caller to hold across an await boundary without racing the runtime's
// next mutation.
func (s *ReportedSnapshot) Snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// MarshalJSON renders the whole snapshot as the single object the module
// twin's reported-properties document requires.
func (s *ReportedSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.values)
}
