// Package session persists per-conversation identity between webhook
// deliveries.
package session

import (
	"encoding/json"
	"maps"
)

// Record is the persisted state of one conversation. Fields the relay does not
// know about are carried through untouched in Extra.
type Record struct {
	UserID             string
	PageID             string
	LastEventTimestamp int64
	Extra              map[string]json.RawMessage
}

const (
	fieldUserID    = "userId"
	fieldPageID    = "pageId"
	fieldTimestamp = "lastEventTimestamp"
)

// MarshalJSON flattens Extra alongside the known fields.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	if r.UserID != "" {
		out[fieldUserID] = r.UserID
	}
	if r.PageID != "" {
		out[fieldPageID] = r.PageID
	}
	out[fieldTimestamp] = r.LastEventTimestamp
	return json.Marshal(out)
}

// UnmarshalJSON splits known fields from opaque ones.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = Record{}
	if v, ok := raw[fieldUserID]; ok {
		if err := json.Unmarshal(v, &r.UserID); err != nil {
			return err
		}
		delete(raw, fieldUserID)
	}
	if v, ok := raw[fieldPageID]; ok {
		if err := json.Unmarshal(v, &r.PageID); err != nil {
			return err
		}
		delete(raw, fieldPageID)
	}
	if v, ok := raw[fieldTimestamp]; ok {
		if err := json.Unmarshal(v, &r.LastEventTimestamp); err != nil {
			return err
		}
		delete(raw, fieldTimestamp)
	}
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

// Merge overlays next on prev. Non-empty fields of next win; anything next
// leaves blank is inherited, so known identifiers are never dropped.
func Merge(prev *Record, next Record) Record {
	var merged Record
	if prev != nil {
		merged = *prev
		merged.Extra = maps.Clone(prev.Extra)
	}

	if next.UserID != "" {
		merged.UserID = next.UserID
	}
	if next.PageID != "" {
		merged.PageID = next.PageID
	}
	if next.LastEventTimestamp != 0 {
		merged.LastEventTimestamp = next.LastEventTimestamp
	}
	if len(next.Extra) > 0 {
		if merged.Extra == nil {
			merged.Extra = make(map[string]json.RawMessage, len(next.Extra))
		}
		maps.Copy(merged.Extra, next.Extra)
	}

	return merged
}
