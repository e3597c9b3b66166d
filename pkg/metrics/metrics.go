// Package metrics holds the daemon's operational counters as a leaf package:
// pkg/ssp, pkg/dispatcher and pkg/payoutd all call into it directly, which a
// single payoutd-owned struct couldn't do without an import cycle (the wire
// and dispatch layers sit below payoutd, not above it).
package metrics

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// daemonMetrics mirrors the nested-struct-of-counters shape of
// pkg/api/api0/metrics.go's apiMetrics: one *metrics.Set, with related
// counters grouped by an anonymous sub-struct keyed by outcome label.
type daemonMetrics struct {
	set *metrics.Set

	pollCycles struct {
		success *metrics.Counter
		fail    *metrics.Counter
	}
	wireExchanges struct {
		success        *metrics.Counter
		retry          *metrics.Counter
		timeout        *metrics.Counter
		crcMismatch    *metrics.Counter
		protocolError  *metrics.Counter
		replayDetected *metrics.Counter
	}
	keyNegotiations struct {
		success *metrics.Counter
		fail    *metrics.Counter
	}
	dispatcherRequests struct {
		success        *metrics.Counter
		unknownCommand *metrics.Counter
		badEnvelope    *metrics.Counter
		sspError       *metrics.Counter
		softError      *metrics.Counter
	}
	deviceState struct {
		hopper    *metrics.Counter
		validator *metrics.Counter
	}
}

var (
	once sync.Once
	inst *daemonMetrics
)

// handle returns the process-wide metrics instance, initializing it on first
// use (same lazy-init-behind-sync.Once shape as api0's m()).
func handle() *daemonMetrics {
	once.Do(func() {
		var mo daemonMetrics
		mo.set = metrics.NewSet()

		mo.pollCycles.success = mo.set.NewCounter(`payoutd_poll_cycles_total{result="success"}`)
		mo.pollCycles.fail = mo.set.NewCounter(`payoutd_poll_cycles_total{result="fail"}`)

		mo.wireExchanges.success = mo.set.NewCounter(`payoutd_wire_exchanges_total{result="success"}`)
		mo.wireExchanges.retry = mo.set.NewCounter(`payoutd_wire_exchanges_total{result="retry"}`)
		mo.wireExchanges.timeout = mo.set.NewCounter(`payoutd_wire_exchanges_total{result="timeout"}`)
		mo.wireExchanges.crcMismatch = mo.set.NewCounter(`payoutd_wire_exchanges_total{result="crc_mismatch"}`)
		mo.wireExchanges.protocolError = mo.set.NewCounter(`payoutd_wire_exchanges_total{result="protocol_error"}`)
		mo.wireExchanges.replayDetected = mo.set.NewCounter(`payoutd_wire_exchanges_total{result="replay_detected"}`)

		mo.keyNegotiations.success = mo.set.NewCounter(`payoutd_key_negotiations_total{result="success"}`)
		mo.keyNegotiations.fail = mo.set.NewCounter(`payoutd_key_negotiations_total{result="fail"}`)

		mo.dispatcherRequests.success = mo.set.NewCounter(`payoutd_dispatcher_requests_total{result="success"}`)
		mo.dispatcherRequests.unknownCommand = mo.set.NewCounter(`payoutd_dispatcher_requests_total{result="unknown_command"}`)
		mo.dispatcherRequests.badEnvelope = mo.set.NewCounter(`payoutd_dispatcher_requests_total{result="bad_envelope"}`)
		mo.dispatcherRequests.sspError = mo.set.NewCounter(`payoutd_dispatcher_requests_total{result="ssp_error"}`)
		mo.dispatcherRequests.softError = mo.set.NewCounter(`payoutd_dispatcher_requests_total{result="soft_error"}`)

		mo.deviceState.hopper = mo.set.NewCounter(`payoutd_device_state_transitions_total{device="hopper"}`)
		mo.deviceState.validator = mo.set.NewCounter(`payoutd_device_state_transitions_total{device="validator"}`)

		inst = &mo
	})
	return inst
}

// PollCycle records the outcome of one poll-loop pass over a single device
// (pkg/payoutd's pollSide).
func PollCycle(success bool) {
	if success {
		handle().pollCycles.success.Inc()
		return
	}
	handle().pollCycles.fail.Inc()
}

// WireSuccess records a command exchange that ended with an OK status,
// whether on the first attempt or after retries (pkg/ssp's sendLocked).
func WireSuccess() { handle().wireExchanges.success.Inc() }

// WireRetry records a single retry attempt within a command exchange.
func WireRetry() { handle().wireExchanges.retry.Inc() }

// WireTimeout records a command exchange that exhausted its retries on
// timeout.
func WireTimeout() { handle().wireExchanges.timeout.Inc() }

// WireCRCMismatch records a response frame rejected for a bad CRC.
func WireCRCMismatch() { handle().wireExchanges.crcMismatch.Inc() }

// WireProtocolError records a malformed/short/stuffing-error frame.
func WireProtocolError() { handle().wireExchanges.protocolError.Inc() }

// WireReplayDetected records a decrypted sub-packet whose counter didn't
// advance (pkg/ssp's replay check in exchangeOnce).
func WireReplayDetected() { handle().wireExchanges.replayDetected.Inc() }

// KeyNegotiation records the outcome of a Diffie-Hellman key exchange,
// whether run at startup or by a KEY_NOT_SET recovery.
func KeyNegotiation(success bool) {
	if success {
		handle().keyNegotiations.success.Inc()
		return
	}
	handle().keyNegotiations.fail.Inc()
}

// DispatcherSuccess records a dispatched command that returned a normal
// result.
func DispatcherSuccess() { handle().dispatcherRequests.success.Inc() }

// DispatcherUnknownCommand records a request naming a cmd the table has no
// handler for.
func DispatcherUnknownCommand() { handle().dispatcherRequests.unknownCommand.Inc() }

// DispatcherBadEnvelope records a request that failed to parse as a command
// envelope at all.
func DispatcherBadEnvelope() { handle().dispatcherRequests.badEnvelope.Inc() }

// DispatcherSSPError records a dispatched command whose handler returned a
// wire-protocol error.
func DispatcherSSPError() { handle().dispatcherRequests.sspError.Inc() }

// DispatcherSoftError records a dispatched command rejected for a reason
// that isn't a wire error (hardware unavailable, bad parameters).
func DispatcherSoftError() { handle().dispatcherRequests.softError.Inc() }

// DeviceStateTransition records a Device state change, labeled by which
// physical unit it belongs to.
func DeviceStateTransition(device string) {
	switch device {
	case "hopper":
		handle().deviceState.hopper.Inc()
	case "validator":
		handle().deviceState.validator.Inc()
	}
}

// WritePrometheus writes all registered counters in Prometheus text format,
// the way api0.Handler.WritePrometheus exposes h.m().set.
func WritePrometheus(w io.Writer) {
	handle().set.WritePrometheus(w)
}
