package device

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kassomat/payoutd/pkg/ssp"
)

// scriptedInhibitServer replies to every SET INHIBITS command with the given
// status, so tests can exercise Device.applyMask's success/failure paths
// over a real framed exchange.
func scriptedInhibitServer(t *testing.T, conn net.Conn, status ssp.Status) {
	t.Helper()
	fr := ssp.NewFramer(conn, time.Second)
	go func() {
		for {
			pkt, err := fr.ReadFrame()
			if err != nil {
				return
			}
			if err := fr.WriteFrame(0, pkt.Seq(), []byte{byte(status)}); err != nil {
				return
			}
		}
	}()
}

func newTestDevice(t *testing.T, conn net.Conn) *Device {
	t.Helper()
	framer := ssp.NewFramer(conn, time.Second)
	return New("hopper", "coin hopper", 0x10, 0, framer, 0, zerolog.Nop())
}

func TestApplyMaskOnlyUpdatesLocalStateOnSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	scriptedInhibitServer(t, server, ssp.StatusOK)

	d := newTestDevice(t, client)
	if err := d.EnableChannels(0x03); err != nil {
		t.Fatalf("EnableChannels: %v", err)
	}
	if got := d.InhibitMask(); got != 0x03 {
		t.Fatalf("InhibitMask() = %#x, want 0x03", got)
	}

	if err := d.DisableChannels(0x01); err != nil {
		t.Fatalf("DisableChannels: %v", err)
	}
	if got := d.InhibitMask(); got != 0x02 {
		t.Fatalf("InhibitMask() = %#x, want 0x02", got)
	}

	if err := d.InhibitChannels(0x02); err != nil {
		t.Fatalf("InhibitChannels: %v", err)
	}
	if got := d.InhibitMask(); got != ^byte(0x02) {
		t.Fatalf("InhibitMask() = %#x, want %#x", got, ^byte(0x02))
	}
}

func TestApplyMaskLeavesLocalStateOnHardwareFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	scriptedInhibitServer(t, server, ssp.StatusCommandNotProcessed)

	d := newTestDevice(t, client)
	before := d.InhibitMask()

	if err := d.EnableChannels(0xFF); err == nil {
		t.Fatal("expected EnableChannels to fail when hardware rejects SET INHIBITS")
	}
	if got := d.InhibitMask(); got != before {
		t.Fatalf("InhibitMask() changed to %#x after a failed command, want unchanged %#x", got, before)
	}
}

func TestStateString(t *testing.T) {
	cases := []struct {
		s    State
		want string
	}{
		{StateUninitialized, "uninitialized"},
		{StateReady, "ready"},
		{StateFaulted, "faulted"},
	}
	for _, c := range cases {
		if got := c.s.String(); got != c.want {
			t.Errorf("State(%d).String() = %q, want %q", c.s, got, c.want)
		}
	}
}
