// Package device implements the per-device model and poll loop / event
// translator of spec §4.D-§4.E: one Device per bus address, each owning a
// Session, a channel-inhibit mask, and an EventHandler.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kassomat/payoutd/pkg/metrics"
	"github.com/kassomat/payoutd/pkg/ssp"
)

// Fixed bus addresses, spec §4.D.
const (
	AddrHopper    byte = 0x10
	AddrValidator byte = 0x00
)

// Device holds the per-device state described in spec §3: address, key,
// channel inhibit mask, setup info, and event handler, plus the Session it
// owns.
type Device struct {
	ID          string
	DisplayName string
	Addr        byte
	FixedKeyHi  uint64

	Session *ssp.Session
	Cmd     *ssp.Commands
	Handler EventHandler
	Log     zerolog.Logger

	mu          sync.Mutex
	inhibitMask byte
	setup       ssp.SetupInfo
	state       State
}

// New creates a device bound to framer, communicating at addr, with retryLevel
// retries per command exchange.
func New(id, displayName string, addr byte, fixedKeyHi uint64, framer *ssp.Framer, retryLevel int, log zerolog.Logger) *Device {
	sess := ssp.NewSession(framer, addr, retryLevel)
	return &Device{
		ID:          id,
		DisplayName: displayName,
		Addr:        addr,
		FixedKeyHi:  fixedKeyHi,
		Session:     sess,
		Cmd:         ssp.NewCommands(sess),
		Log:         log.With().Str("device", id).Logger(),
		state:       StateUninitialized,
	}
}

// State returns the device's current high-level state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		d.Log.Info().Stringer("from", prev).Stringer("to", s).Msg("state transition")
		metrics.DeviceStateTransition(d.ID)
	}
}

// Setup returns the immutable setup info read during initialization.
func (d *Device) Setup() ssp.SetupInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setup
}

// InhibitMask returns the locally-tracked channel inhibit mask, mirroring
// the hardware's inhibit register (spec §3's Device invariant).
func (d *Device) InhibitMask() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inhibitMask
}

// Ready reports whether the device has completed initialization and is not
// faulted or operator-disabled.
func (d *Device) Ready() bool {
	return d.State() == StateReady
}

// Initialize runs the common initialization sequence shared by both device
// types (spec §4.D): sync, negotiate_encryption, host_protocol(6),
// setup_request, get_firmware_version, get_dataset_version, enable.
// Device-specific extra steps are run by the caller afterward (see
// InitHopperExtras / InitValidatorExtras).
func (d *Device) Initialize() error {
	d.setState(StateSyncing)
	if err := d.Session.Sync(); err != nil {
		d.setState(StateFaulted)
		return fmt.Errorf("device %s: sync: %w", d.ID, err)
	}

	d.setState(StateKeyExchanging)
	if err := d.Session.NegotiateEncryption(d.FixedKeyHi); err != nil {
		metrics.KeyNegotiation(false)
		d.setState(StateFaulted)
		return fmt.Errorf("device %s: negotiate encryption: %w", d.ID, err)
	}
	metrics.KeyNegotiation(true)

	if err := d.ReestablishProtocol(); err != nil {
		d.setState(StateFaulted)
		return err
	}

	if err := d.Cmd.Enable(); err != nil {
		d.setState(StateFaulted)
		return fmt.Errorf("device %s: enable: %w", d.ID, err)
	}
	d.setState(StateReady)
	return nil
}

// ReestablishProtocol runs host_protocol(6) onward: setup_request, the
// version queries, and caching the (immutable) setup info. It is re-run
// whenever POLL reports a unit reset (spec §4.F's state machine).
func (d *Device) ReestablishProtocol() error {
	if err := d.Cmd.HostProtocol(6); err != nil {
		return fmt.Errorf("device %s: host_protocol: %w", d.ID, err)
	}
	d.setState(StateProtocolSet)

	setup, err := d.Cmd.SetupRequest()
	if err != nil {
		return fmt.Errorf("device %s: setup_request: %w", d.ID, err)
	}
	fw, err := d.Cmd.GetFirmwareVersion()
	if err != nil {
		return fmt.Errorf("device %s: get_firmware_version: %w", d.ID, err)
	}
	ds, err := d.Cmd.GetDatasetVersion()
	if err != nil {
		return fmt.Errorf("device %s: get_dataset_version: %w", d.ID, err)
	}
	setup.FirmwareVer = fw
	setup.DatasetVer = ds

	d.mu.Lock()
	d.setup = setup
	d.mu.Unlock()
	return nil
}

// Disable transitions the device to the operator-disabled state and issues
// DISABLE.
func (d *Device) Disable() error {
	if err := d.Cmd.Disable(); err != nil {
		return err
	}
	d.setState(StateDisabled)
	return nil
}

// Enable transitions the device back to ready and issues ENABLE.
func (d *Device) Enable() error {
	if err := d.Cmd.Enable(); err != nil {
		return err
	}
	d.setState(StateReady)
	return nil
}

// EnableChannels sets bits in the inhibit mask (enable acceptance of those
// channels), sending the full mask to SET INHIBITS and only updating the
// local copy once the hardware confirms (spec §3's Device invariant, §8's
// testable property).
func (d *Device) EnableChannels(bits byte) error {
	return d.applyMask(d.InhibitMask() | bits)
}

// DisableChannels clears bits in the inhibit mask.
func (d *Device) DisableChannels(bits byte) error {
	return d.applyMask(d.InhibitMask() &^ bits)
}

// InhibitChannels rewrites the whole mask to the complement of bits: listed
// channels are disabled, every other channel is enabled (spec §8).
func (d *Device) InhibitChannels(bits byte) error {
	return d.applyMask(^bits)
}

func (d *Device) applyMask(newMask byte) error {
	if err := d.Cmd.SetChannelInhibits(newMask, 0); err != nil {
		return err
	}
	d.mu.Lock()
	d.inhibitMask = newMask
	d.mu.Unlock()
	return nil
}

// RenegotiateKey runs the key re-exchange on its own, outside any fn retry
// wrapper (spec §4.F/§7: "any KEY_NOT_SET error during send triggers
// renegotiation automatically"). Used directly by the poll loop, which has
// no fn of its own to retry — it only needs the session re-keyed before the
// next poll.
func (d *Device) RenegotiateKey() error {
	d.Log.Warn().Msg("key not set, renegotiating encryption")
	prev := d.State()
	d.setState(StateKeyExchanging)
	if err := d.Session.NegotiateEncryption(d.FixedKeyHi); err != nil {
		metrics.KeyNegotiation(false)
		d.setState(StateFaulted)
		return fmt.Errorf("device %s: renegotiate encryption: %w", d.ID, err)
	}
	metrics.KeyNegotiation(true)
	d.setState(prev)
	return nil
}

// WithKeyRecovery runs fn, and if it fails with ssp.ErrKeyNotSet,
// renegotiates encryption and retries fn exactly once (spec §4.F/§7: "...and
// then retries the current operation once").
func (d *Device) WithKeyRecovery(fn func() error) error {
	err := fn()
	if !errors.Is(err, ssp.ErrKeyNotSet) {
		return err
	}
	if err := d.RenegotiateKey(); err != nil {
		return err
	}
	return fn()
}

// PollAndTranslate issues POLL and translates the resulting raw events into
// publishable Events, in order (spec §4.E, §8).
func (d *Device) PollAndTranslate() ([]Event, error) {
	result, err := d.Cmd.Poll()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(result.Events))
	for _, raw := range result.Events {
		e, ok := d.Handler.Translate(raw)
		if ok {
			events = append(events, e)
		}
	}
	return events, nil
}
