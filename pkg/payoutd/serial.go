package payoutd

import (
	"os"

	"github.com/kassomat/payoutd/pkg/ssp"
)

// openSerialPort opens path as an ssp.Port. *os.File already implements
// SetReadDeadline/SetWriteDeadline for character devices on Unix, so it
// satisfies ssp.Port directly. This does not configure baud rate or line
// discipline (termios) — the serial line itself is outside the spec's
// scope, which begins at the framed byte stream.
func openSerialPort(path string) (ssp.Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}
