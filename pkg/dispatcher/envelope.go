package dispatcher

import "encoding/json"

// parseEnvelope unmarshals an inbound request payload into a generic field
// map, the way the dispatcher needs to inspect cmd-specific fields without a
// fixed schema (spec §3: command envelopes are ephemeral and cmd-specific).
func parseEnvelope(payload []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func reqString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// reqInt extracts a required integer field. JSON numbers decode to
// float64; this also accepts them directly since amounts in practice are
// always whole cents.
func reqInt(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func optInt(m map[string]any, key string, def int) int {
	if v, ok := reqInt(m, key); ok {
		return v
	}
	return def
}
