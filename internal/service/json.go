package service

import "encoding/json"

// mustJSON marshals audit snapshots built from plain maps; those never
// fail to marshal, so errors are swallowed.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
