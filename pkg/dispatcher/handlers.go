package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/kassomat/payoutd/pkg/device"
	"github.com/kassomat/payoutd/pkg/ssp"
)

// handlerResult is what a command handler produces; the dispatcher turns
// exactly one of its three forms into the response envelope spec §4.F
// describes.
type handlerResult struct {
	fields  map[string]any // success: merged with {"result":"ok"}
	sspErr  string         // protocol-level failure: {"sspError": ...}
	softErr string         // parameter/business failure: {"error": ...}
}

func ok(fields map[string]any) handlerResult { return handlerResult{fields: fields} }

func sspFail(err string) handlerResult { return handlerResult{sspErr: err} }

func softFail(err string) handlerResult { return handlerResult{softErr: err} }

func missingProperty(name string) handlerResult {
	return handlerResult{softErr: fmt.Sprintf("Property '%s' missing or of wrong type", name)}
}

// handlerFunc implements one cmd. dev is nil only for commands that don't
// require hardware.
type handlerFunc func(ctx context.Context, dev *device.Device, req map[string]any) handlerResult

// commandSpec describes one entry of spec §6's command table.
type commandSpec struct {
	RequiresHardware bool
	Handler          handlerFunc
}

// protocolErrorMessage renders a human string for an ssp.ProtocolError or
// wire error, for the sspError field (spec §7).
func protocolErrorMessage(err error) string {
	var pe *ssp.ProtocolError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	switch {
	case errors.Is(err, ssp.ErrTimeout):
		return "timeout"
	case errors.Is(err, ssp.ErrCRCMismatch):
		return "crc_mismatch"
	case errors.Is(err, ssp.ErrShortRead):
		return "short_read"
	case errors.Is(err, ssp.ErrStuffing):
		return "stuffing_error"
	case errors.Is(err, ssp.ErrReplay):
		return "replay"
	default:
		return err.Error()
	}
}

// classifyPayoutError maps a payout/float command_not_processed subcode to
// the human strings spec §4.F's "Handler response contract" names.
func classifyPayoutError(err error) handlerResult {
	var pe *ssp.ProtocolError
	if errors.As(err, &pe) && pe.Status == ssp.StatusCommandNotProcessed && pe.HasSub {
		switch pe.Subcode {
		case ssp.SubcodeNotEnoughValue:
			return softFail("not enough value in smart payout")
		case ssp.SubcodeCannotPayExact:
			return softFail("can't pay exact amount")
		case ssp.SubcodePayoutBusy:
			return softFail("smart payout busy")
		case ssp.SubcodePayoutDisabled:
			return softFail("smart payout disabled")
		default:
			return softFail("unknown")
		}
	}
	return sspFail(protocolErrorMessage(err))
}

func withKeyRecovery(dev *device.Device, fn func() error) error {
	return dev.WithKeyRecovery(fn)
}

func parseChannelBits(s string) (byte, bool) {
	var bits byte
	for _, c := range s {
		if c < '1' || c > '8' {
			return 0, false
		}
		bits |= 1 << (c - '1')
	}
	return bits, true
}

// buildCommandTable constructs the handler table for all cmd values in
// spec §6. quit and test are registered by the dispatcher itself since they
// need access to the dispatcher's shutdown hook, not a device.
func buildCommandTable() map[string]commandSpec {
	return map[string]commandSpec{
		"enable": {true, func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
			if err := withKeyRecovery(d, d.Enable); err != nil {
				return sspFail(protocolErrorMessage(err))
			}
			return ok(nil)
		}},
		"disable": {true, func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
			if err := withKeyRecovery(d, d.Disable); err != nil {
				return sspFail(protocolErrorMessage(err))
			}
			return ok(nil)
		}},
		"empty": {true, func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
			if err := withKeyRecovery(d, d.Cmd.Empty); err != nil {
				return sspFail(protocolErrorMessage(err))
			}
			return ok(nil)
		}},
		"smart-empty": {true, func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
			if err := withKeyRecovery(d, d.Cmd.SmartEmpty); err != nil {
				return sspFail(protocolErrorMessage(err))
			}
			return ok(nil)
		}},
		"enable-channels": {true, channelsHandler((*device.Device).EnableChannels)},
		"disable-channels": {true, channelsHandler((*device.Device).DisableChannels)},
		"inhibit-channels": {true, channelsHandler((*device.Device).InhibitChannels)},
		"do-payout":  {true, payoutHandler(ssp.OptDo)},
		"test-payout": {true, payoutHandler(ssp.OptTest)},
		"do-float":   {true, floatHandler(ssp.OptDo)},
		"test-float": {true, floatHandler(ssp.OptTest)},
		"get-firmware-version": {true, func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
			var v string
			err := withKeyRecovery(d, func() error {
				var e error
				v, e = d.Cmd.GetFirmwareVersion()
				return e
			})
			if err != nil {
				return sspFail(protocolErrorMessage(err))
			}
			return ok(map[string]any{"version": v})
		}},
		"get-dataset-version": {true, func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
			var v string
			err := withKeyRecovery(d, func() error {
				var e error
				v, e = d.Cmd.GetDatasetVersion()
				return e
			})
			if err != nil {
				return sspFail(protocolErrorMessage(err))
			}
			return ok(map[string]any{"version": v})
		}},
		"channel-security-data": {true, func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
			err := withKeyRecovery(d, func() error {
				_, e := d.Cmd.ChannelSecurityData()
				return e
			})
			if err != nil {
				return sspFail(protocolErrorMessage(err))
			}
			return ok(nil)
		}},
		"get-all-levels": {true, func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
			var levels []ssp.Level
			err := withKeyRecovery(d, func() error {
				var e error
				levels, e = d.Cmd.GetAllLevels()
				return e
			})
			if err != nil {
				return sspFail(protocolErrorMessage(err))
			}
			out := make([]map[string]any, 0, len(levels))
			for _, l := range levels {
				out = append(out, map[string]any{"value": l.Value, "level": l.Level, "cc": l.Currency})
			}
			return ok(map[string]any{"levels": out})
		}},
		"set-denomination-level": {true, func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
			amount, ok1 := reqInt(req, "amount")
			if !ok1 {
				return missingProperty("amount")
			}
			level, ok2 := reqInt(req, "level")
			if !ok2 {
				return missingProperty("level")
			}
			cc, _ := reqString(req, "cc")
			if cc == "" {
				cc = "EUR"
			}
			err := withKeyRecovery(d, func() error {
				// Quirk (spec §4.C/§9): an absolute value is only accepted
				// at level 0; setting level N requires first zeroing it.
				if level != 0 {
					if e := d.Cmd.SetDenominationLevel(amount, 0, cc); e != nil {
						return e
					}
				}
				return d.Cmd.SetDenominationLevel(amount, level, cc)
			})
			if err != nil {
				return sspFail(protocolErrorMessage(err))
			}
			return ok(nil)
		}},
		"last-reject-note": {true, func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
			var code byte
			err := withKeyRecovery(d, func() error {
				var e error
				code, e = d.Cmd.LastRejectNote()
				return e
			})
			if err != nil {
				return sspFail(protocolErrorMessage(err))
			}
			return ok(map[string]any{"reason": rejectReason(code), "code": int(code)})
		}},
	}
}

func channelsHandler(apply func(*device.Device, byte) error) handlerFunc {
	return func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
		s, has := reqString(req, "channels")
		if !has {
			return missingProperty("channels")
		}
		bits, valid := parseChannelBits(s)
		if !valid {
			return softFail("invalid channels")
		}
		err := withKeyRecovery(d, func() error { return apply(d, bits) })
		if err != nil {
			return sspFail(protocolErrorMessage(err))
		}
		return ok(nil)
	}
}

func payoutHandler(option byte) handlerFunc {
	return func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
		amount, has := reqInt(req, "amount")
		if !has {
			return missingProperty("amount")
		}
		cc := optStringCC(req)
		var payoutErr error
		err := withKeyRecovery(d, func() error {
			payoutErr = d.Cmd.Payout(amount, cc, option)
			return payoutErr
		})
		if err != nil {
			return classifyPayoutError(err)
		}
		return ok(nil)
	}
}

func floatHandler(option byte) handlerFunc {
	return func(ctx context.Context, d *device.Device, req map[string]any) handlerResult {
		amount, has := reqInt(req, "amount")
		if !has {
			return missingProperty("amount")
		}
		cc := optStringCC(req)
		err := withKeyRecovery(d, func() error {
			return d.Cmd.Float(0, amount, cc, option)
		})
		if err != nil {
			return classifyPayoutError(err)
		}
		return ok(nil)
	}
}

func optStringCC(req map[string]any) string {
	if cc, ok := reqString(req, "cc"); ok && cc != "" {
		return cc
	}
	return "EUR"
}

func rejectReason(code byte) string {
	switch code {
	case 0:
		return "note accepted"
	case 1:
		return "note length incorrect"
	case 2:
		return "average fail"
	case 3:
		return "coastline fail"
	case 4:
		return "graph fail"
	case 5:
		return "buried fail"
	case 6:
		return "channel inhibited"
	case 7:
		return "second note detected"
	case 8:
		return "reject note"
	case 9:
		return "note too long"
	default:
		return "unknown"
	}
}
