package ssp

import "errors"

// Wire-level errors returned by Framer and Session.
var (
	ErrTimeout    = errors.New("ssp: timeout")
	ErrCRCMismatch = errors.New("ssp: crc mismatch")
	ErrShortRead  = errors.New("ssp: short read")
	ErrStuffing   = errors.New("ssp: byte-stuffing error")
	ErrReplay     = errors.New("ssp: replay: counter did not increase")
	ErrKeyNotSet  = errors.New("ssp: key not set")
	ErrClosed     = errors.New("ssp: session closed")
)

// ProtocolError wraps a non-OK generic response status byte that isn't one of
// the specially-handled cases (KEY_NOT_SET, COMMAND_NOT_PROCESSED busy).
type ProtocolError struct {
	Status  Status
	Subcode byte
	HasSub  bool
}

func (e *ProtocolError) Error() string {
	if e.HasSub {
		return e.Status.String() + ": subcode " + hexByte(e.Subcode)
	}
	return e.Status.String()
}

func hexByte(b byte) string {
	const hex = "0123456789abcdef"
	return "0x" + string([]byte{hex[b>>4], hex[b&0xf]})
}
