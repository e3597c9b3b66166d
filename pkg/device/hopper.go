package device

import (
	"fmt"

	"github.com/kassomat/payoutd/pkg/ssp"
)

// InitHopperExtras runs the hopper's extra initialization steps beyond the
// common sequence (spec §4.D): for each reported channel, enable coin-mech
// acceptance. d.Handler should already be a HopperHandler built from the
// setup info Initialize() populated.
func InitHopperExtras(d *Device) error {
	setup := d.Setup()
	for _, ch := range setup.Channels {
		if err := d.Cmd.SetCoinMechInhibits(ch.Value, ch.Currency, true); err != nil {
			return fmt.Errorf("device %s: set_coin_mech_inhibits(%d %s): %w", d.ID, ch.Value, ch.Currency, err)
		}
	}
	return nil
}

// HopperHandler translates the coin hopper's poll events (spec §4.E,
// "Hopper additionally"). It needs the hopper's channel table to resolve a
// channel number to its denomination/currency for credit events.
type HopperHandler struct {
	Setup ssp.SetupInfo
}

func (h HopperHandler) Translate(ev ssp.RawEvent) (Event, bool) {
	if e, ok := translateCommon(ev); ok {
		return e, true
	}
	switch ev.ID {
	case ssp.EvtRead:
		if ev.Data1 == 0 {
			return evt("reading", nil), true
		}
		return evt("read", map[string]any{"channel": ev.Data1}), true
	case ssp.EvtDispensing:
		return evt("dispensing", map[string]any{"amount": ev.Data1}), true
	case ssp.EvtDispensed:
		return evt("dispensed", map[string]any{"amount": ev.Data1}), true
	case ssp.EvtFloating:
		return evt("floating", map[string]any{"amount": ev.Data1, "cc": ev.Currency}), true
	case ssp.EvtFloated:
		return evt("floated", map[string]any{"amount": ev.Data1, "cc": ev.Currency}), true
	case ssp.EvtCashboxPaid:
		return evt("cashbox paid", map[string]any{"amount": ev.Data1, "cc": ev.Currency}), true
	case ssp.EvtJammed, ssp.EvtSafeJam, ssp.EvtUnsafeJam:
		return evt("jammed", nil), true
	case ssp.EvtFraudAttempt:
		return evt("fraud attempt", nil), true
	case ssp.EvtCoinCredit:
		return evt("coin credit", map[string]any{"amount": ev.Data1, "cc": ev.Currency}), true
	case ssp.EvtEmpty:
		return evt("empty", nil), true
	case ssp.EvtEmptying:
		return evt("emptying", nil), true
	case ssp.EvtSmartEmptying:
		return evt("smart emptying", map[string]any{"amount": ev.Data1, "cc": ev.Currency}), true
	case ssp.EvtSmartEmptied:
		return evt("smart emptied", map[string]any{"amount": ev.Data1, "cc": ev.Currency}), true
	case ssp.EvtCredit:
		channel := ev.Data1
		_, cc := channelLookup(h.Setup, channel)
		return evt("credit", map[string]any{"channel": channel, "cc": cc}), true
	}
	return unknownEvent(ev), true
}

// channelLookup resolves a 1-based channel number against the setup
// channel table. Returns (0, "") if the channel is out of range.
func channelLookup(info ssp.SetupInfo, channel int) (value int, cc string) {
	idx := channel - 1
	if idx < 0 || idx >= len(info.Channels) {
		return 0, ""
	}
	ch := info.Channels[idx]
	return ch.Value, ch.Currency
}
