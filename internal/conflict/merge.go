package conflict

import (
	"encoding/json"
	"fmt"
	"time"
)

// MergePayloads combines two JSON object snapshots field by field.
//
// The preferred side ("local" or "remote") provides the base object; fields
// named in the policy's field map are then taken from the side the map
// assigns them to, regardless of the base. Only top-level fields are
// considered.
func MergePayloads(local, remote json.RawMessage, tp TablePolicy) (json.RawMessage, error) {
	localObj, err := decodeObject(local)
	if err != nil {
		return nil, fmt.Errorf("failed to decode local payload: %w", err)
	}
	remoteObj, err := decodeObject(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to decode remote payload: %w", err)
	}

	base, other := localObj, remoteObj
	if tp.Prefer == "remote" {
		base, other = remoteObj, localObj
	}

	merged := make(map[string]json.RawMessage, len(base)+len(other))
	for k, v := range other {
		merged[k] = v
	}
	for k, v := range base {
		merged[k] = v
	}
	for field, side := range tp.Fields {
		src := localObj
		if side == "remote" {
			src = remoteObj
		}
		if v, ok := src[field]; ok {
			merged[field] = v
		} else {
			delete(merged, field)
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	return out, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// payloadTimestamp extracts an updated_at timestamp from a payload, used by
// the last-write-wins strategy. Returns the zero time when absent or
// unparseable.
func payloadTimestamp(raw json.RawMessage) time.Time {
	obj, err := decodeObject(raw)
	if err != nil {
		return time.Time{}
	}
	v, ok := obj["updated_at"]
	if !ok {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
