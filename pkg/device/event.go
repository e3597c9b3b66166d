package device

import (
	"encoding/json"

	"github.com/kassomat/payoutd/pkg/ssp"
)

// Event is a translated poll event, ready to publish to a `*-event` topic as
// `{event: name, ...fields}` (spec §3).
type Event struct {
	Name   string
	Fields map[string]any
}

// MarshalJSON flattens Name and Fields into a single JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["event"] = e.Name
	return json.Marshal(m)
}

func evt(name string, fields map[string]any) Event {
	return Event{Name: name, Fields: fields}
}

// EventHandler translates one device's raw poll events into the named JSON
// events of spec §4.E. Each device variant (hopper, validator) gets its own
// concrete EventHandler rather than a shared callback, per the "capability
// set" rewrite of spec §9's function-pointer polymorphism.
type EventHandler interface {
	// Translate converts a single raw poll event into a publishable Event.
	// ok is false for events this handler intentionally drops (none
	// currently; unknown IDs still surface as an "unknown" event so nothing
	// is silently lost).
	Translate(ev ssp.RawEvent) (Event, bool)
}

// translateCommon handles the poll events shared verbatim by both device
// types (spec §4.E, "Both devices").
func translateCommon(ev ssp.RawEvent) (Event, bool) {
	switch ev.ID {
	case ssp.EvtReset:
		return evt("unit reset", nil), true
	case ssp.EvtDisabled:
		return evt("disabled", nil), true
	case ssp.EvtIncompletePayout:
		return evt("incomplete payout", map[string]any{
			"dispensed": ev.Data1, "requested": ev.Data2, "cc": ev.Currency,
		}), true
	case ssp.EvtIncompleteFloat:
		return evt("incomplete float", map[string]any{
			"dispensed": ev.Data1, "requested": ev.Data2, "cc": ev.Currency,
		}), true
	case ssp.EvtCalibrationFail:
		return evt("calibration fail", map[string]any{"reason": calibrationFailReason(ev.Data1)}), true
	}
	return Event{}, false
}

func calibrationFailReason(subcode int) string {
	switch subcode {
	case 0:
		return "sensor"
	case 1:
		return "timeout"
	case 2:
		return "motor"
	default:
		return "unknown"
	}
}

func unknownEvent(ev ssp.RawEvent) Event {
	return evt("unknown", map[string]any{"id": int(ev.ID)})
}
