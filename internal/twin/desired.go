package twin

import (
	"encoding/json"
	"fmt"
)

// Delta is a desired-property update as delivered by the IoT client: a
// parsed JSON object plus the opaque monotonic sequence number the client
// guarantees arrives in order. The runtime serializes delivery, so
// consumers never see Version go backwards.
type Delta struct {
	Version uint64
	Doc     map[string]json.RawMessage
}

// ParseDelta parses a raw desired-properties payload into a Delta.
func ParseDelta(version uint64, raw []byte) (Delta, error) {
	doc := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Delta{}, fmt.Errorf("parsing desired delta: %w", err)
		}
	}
	return Delta{Version: version, Doc: doc}, nil
}

// Subtree returns the raw JSON for a single top-level key, and whether the
// key was present at all. A present-but-null value is returned with ok=true
// and ["null"], which features use to mean "reset to default"; an absent
// key returns ok=false and no invocation should happen.
func (d Delta) Subtree(key string) (value json.RawMessage, ok bool) {
	v, ok := d.Doc[key]
	return v, ok
}
