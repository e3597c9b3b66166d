package ssp

// Channel describes one denomination reported by SETUP REQUEST. Value is in
// the *major* unit as reported by the hardware — callers that need minor
// units (cents) must scale by 100 (spec §4.C).
type Channel struct {
	Value    int
	Currency string // 3-char ISO code, e.g. "EUR"
}

// SetupInfo is read once after initialization and is immutable for the
// lifetime of the session (spec §3).
type SetupInfo struct {
	UnitType       byte
	FirmwareVer    string
	DatasetVer     string
	NumChannels    int
	Channels       []Channel
}

// Level is one entry of GET ALL LEVELS: how many of a denomination are
// currently held.
type Level struct {
	Value    int // minor units
	Level    int
	Currency string
}

// PollResult is the parsed response to POLL: an ordered list of raw events.
type PollResult struct {
	Events []RawEvent
}

// RawEvent is one undecoded POLL event: an ID plus up to two data bytes/
// fields and an optional currency code, exactly as laid out on the wire.
// The device/event-translator layer (pkg/device) turns these into the
// named JSON events of spec §4.E.
type RawEvent struct {
	ID       PollEvent
	Data1    int // channel number, subcode, or 4-byte amount depending on event
	Data2    int
	Currency string
}
