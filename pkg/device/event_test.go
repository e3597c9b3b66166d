package device

import (
	"testing"

	"github.com/kassomat/payoutd/pkg/ssp"
)

func TestHopperHandlerTranslatesReadEvent(t *testing.T) {
	h := HopperHandler{}

	e, ok := h.Translate(ssp.RawEvent{ID: ssp.EvtRead, Data1: 0})
	if !ok || e.Name != "reading" {
		t.Fatalf("zero-channel read: got %+v, ok=%v", e, ok)
	}

	e, ok = h.Translate(ssp.RawEvent{ID: ssp.EvtRead, Data1: 3})
	if !ok || e.Name != "read" || e.Fields["channel"] != 3 {
		t.Fatalf("channel read: got %+v, ok=%v", e, ok)
	}
}

func TestHopperHandlerCreditResolvesChannel(t *testing.T) {
	h := HopperHandler{Setup: ssp.SetupInfo{Channels: []ssp.Channel{
		{Value: 10, Currency: "EUR"},
		{Value: 20, Currency: "EUR"},
	}}}

	e, ok := h.Translate(ssp.RawEvent{ID: ssp.EvtCredit, Data1: 2})
	if !ok || e.Name != "credit" {
		t.Fatalf("got %+v, ok=%v", e, ok)
	}
	if e.Fields["cc"] != "EUR" {
		t.Fatalf("cc = %v, want EUR", e.Fields["cc"])
	}
}

func TestHopperHandlerUnknownEventSurfaces(t *testing.T) {
	h := HopperHandler{}
	e, ok := h.Translate(ssp.RawEvent{ID: ssp.PollEvent(0x01)})
	if !ok {
		t.Fatalf("unknown events must still surface (ok=true)")
	}
	if e.Name != "unknown" {
		t.Fatalf("Name = %q, want unknown", e.Name)
	}
}

func TestTranslateCommonIncompletePayoutFields(t *testing.T) {
	e, ok := translateCommon(ssp.RawEvent{
		ID: ssp.EvtIncompletePayout, Data1: 500, Data2: 1000, Currency: "EUR",
	})
	if !ok {
		t.Fatal("expected translateCommon to handle EvtIncompletePayout")
	}
	if e.Fields["dispensed"] != 500 || e.Fields["requested"] != 1000 {
		t.Fatalf("fields = %+v, want dispensed=500 requested=1000", e.Fields)
	}
}

func TestEventMarshalJSONFlattensFields(t *testing.T) {
	e := evt("credit", map[string]any{"amount": 100})
	b, err := e.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	s := string(b)
	if !contains(s, `"event":"credit"`) || !contains(s, `"amount":100`) {
		t.Fatalf("json = %s, missing expected fields", s)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
