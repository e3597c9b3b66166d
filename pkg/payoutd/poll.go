package payoutd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kassomat/payoutd/pkg/device"
	"github.com/kassomat/payoutd/pkg/dispatcher"
	"github.com/kassomat/payoutd/pkg/metrics"
	"github.com/kassomat/payoutd/pkg/ssp"
)

// fatalExitCode is returned by cmd/payoutd when the poll loop reports a
// fatal error (spec §6/§7: a unit reset followed by a failed
// reestablish_protocol is unrecoverable).
const fatalExitCode = 3

// FatalError wraps a poll loop failure that should terminate the process,
// carrying the exit code cmd/payoutd should use.
type FatalError struct {
	Err      error
	ExitCode int
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// pollLoop ticks every Config.PollInterval, polling the hopper then the
// validator in that fixed order (spec §5's ordering requirement), holding
// busMu for the duration of each device's exchange. A unit reset event
// triggers reestablish_protocol; if that fails, the loop reports a fatal
// error (spec §4.F/§7).
func (s *Server) pollLoop(ctx context.Context, fatal chan<- error) {
	tk := time.NewTicker(s.Config.PollInterval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if err := s.pollSide(ctx, s.hopperSide); err != nil {
				fatal <- err
				return
			}
			if err := s.pollSide(ctx, s.validatorSide); err != nil {
				fatal <- err
				return
			}
		}
	}
}

// pollSide polls one device, publishes its translated events, and handles a
// reported unit reset. A transient timeout is logged and swallowed (spec
// §7: polling continues past a single missed poll).
func (s *Server) pollSide(ctx context.Context, side *dispatcher.Side) error {
	if side == nil || side.Device == nil || !side.Device.Ready() {
		return nil
	}

	s.busMu.Lock()
	events, err := side.Device.PollAndTranslate()
	s.busMu.Unlock()

	if err != nil {
		metrics.PollCycle(false)
		if errors.Is(err, ssp.ErrTimeout) {
			s.Logger.Warn().Str("device", side.Name).Msg("poll timeout, continuing")
			return nil
		}
		if errors.Is(err, ssp.ErrKeyNotSet) {
			return s.recoverKey(side)
		}
		s.Logger.Warn().Err(err).Str("device", side.Name).Msg("poll failed")
		return nil
	}
	metrics.PollCycle(true)

	for _, ev := range events {
		s.Dispatcher.PublishEvent(ctx, side, ev)
		if ev.Name == "unit reset" {
			if err := s.handleUnitReset(side); err != nil {
				return err
			}
		}
	}
	return nil
}

// recoverKey re-keys side's device after a poll reported KEY_NOT_SET. Unlike
// WithKeyRecovery (used by command paths that have an operation to retry),
// the poll loop has nothing to retry here — it renegotiates directly and
// lets the next tick's poll proceed against the new session key.
func (s *Server) recoverKey(side *dispatcher.Side) error {
	s.busMu.Lock()
	defer s.busMu.Unlock()
	if err := side.Device.RenegotiateKey(); err != nil {
		return &FatalError{
			Err:      fmt.Errorf("device %s: key recovery after poll failure: %w", side.Name, err),
			ExitCode: fatalExitCode,
		}
	}
	return nil
}

// handleUnitReset re-establishes the protocol after the device reports it
// reset itself (spec §4.F). Failure here is unrecoverable: the device has
// forgotten its session state and the daemon cannot safely continue.
func (s *Server) handleUnitReset(side *dispatcher.Side) error {
	s.busMu.Lock()
	defer s.busMu.Unlock()

	if err := side.Device.ReestablishProtocol(); err != nil {
		return &FatalError{
			Err:      fmt.Errorf("device %s: reestablish protocol after unit reset: %w", side.Name, err),
			ExitCode: fatalExitCode,
		}
	}
	switch h := side.Device.Handler.(type) {
	case *device.HopperHandler:
		h.Setup = side.Device.Setup()
	case *device.ValidatorHandler:
		h.Setup = side.Device.Setup()
	}
	return nil
}
