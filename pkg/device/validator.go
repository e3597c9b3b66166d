package device

import (
	"fmt"

	"github.com/kassomat/payoutd/pkg/ssp"
)

// cashboxRoutes and storageRoutes are the EUR denominations (in cents)
// routed to the cashbox (no payout) vs storage (payout-capable), per the
// canonical routing spec §4.D/§9 settled on for this implementation.
var cashboxRoutes = []int{500, 1000, 2000}
var storageRoutes = []int{5000, 10000, 20000, 50000}

// InitValidatorExtras runs the validator's extra initialization steps beyond
// the common sequence (spec §4.D): refill mode, note routing, disabling all
// channels until the operator explicitly enables them, and enabling the
// payout/storage unit.
func InitValidatorExtras(d *Device) error {
	if err := d.Cmd.SetRefillMode(); err != nil {
		return fmt.Errorf("device %s: set_refill_mode: %w", d.ID, err)
	}
	for _, v := range cashboxRoutes {
		if err := d.Cmd.SetRoute(v, "EUR", ssp.RouteCashbox); err != nil {
			return fmt.Errorf("device %s: set_route(%d cashbox): %w", d.ID, v, err)
		}
	}
	for _, v := range storageRoutes {
		if err := d.Cmd.SetRoute(v, "EUR", ssp.RouteStorage); err != nil {
			return fmt.Errorf("device %s: set_route(%d storage): %w", d.ID, v, err)
		}
	}
	if err := d.applyMask(0x00); err != nil {
		return fmt.Errorf("device %s: set_channel_inhibits(all disabled): %w", d.ID, err)
	}
	unitType := d.Setup().UnitType
	if err := d.Cmd.EnablePayout(unitType); err != nil {
		return fmt.Errorf("device %s: enable_payout: %w", d.ID, err)
	}
	return nil
}

// ValidatorHandler translates the banknote validator's poll events (spec
// §4.E, "Validator additionally"). Channel values are reported by hardware
// in major units; event amounts are scaled to minor units (× 100) before
// publication, per spec §4.C/§4.E.
type ValidatorHandler struct {
	Setup ssp.SetupInfo
}

func (v ValidatorHandler) Translate(ev ssp.RawEvent) (Event, bool) {
	if e, ok := translateCommon(ev); ok {
		return e, true
	}
	switch ev.ID {
	case ssp.EvtRead:
		if ev.Data1 == 0 {
			return evt("reading", nil), true
		}
		value, _ := channelLookup(v.Setup, ev.Data1)
		return evt("read", map[string]any{"amount": value * 100, "channel": ev.Data1}), true
	case ssp.EvtEmpty:
		return evt("empty", nil), true
	case ssp.EvtEmptying:
		return evt("emptying", nil), true
	case ssp.EvtSmartEmptying:
		return evt("smart emptying", nil), true
	case ssp.EvtCredit:
		value, _ := channelLookup(v.Setup, ev.Data1)
		return evt("credit", map[string]any{"amount": value * 100, "channel": ev.Data1}), true
	case ssp.EvtRejecting:
		return evt("rejecting", nil), true
	case ssp.EvtRejected:
		return evt("rejected", nil), true
	case ssp.EvtStacking:
		return evt("stacking", nil), true
	case ssp.EvtStored:
		return evt("stored", nil), true
	case ssp.EvtStacked:
		return evt("stacked", nil), true
	case ssp.EvtSafeJam:
		return evt("safe jam", nil), true
	case ssp.EvtUnsafeJam:
		return evt("unsafe jam", nil), true
	case ssp.EvtFraudAttempt:
		return evt("fraud attempt", map[string]any{"dispensed": ev.Data1}), true
	case ssp.EvtStackerFull:
		return evt("stacker full", nil), true
	case ssp.EvtCashboxRemoved:
		return evt("cashbox removed", nil), true
	case ssp.EvtCashboxReplaced:
		return evt("cashbox replaced", nil), true
	case ssp.EvtClearedFromFront:
		return evt("cleared from front", nil), true
	case ssp.EvtClearedIntoCashbox:
		return evt("cleared into cashbox", nil), true
	}
	return unknownEvent(ev), true
}
