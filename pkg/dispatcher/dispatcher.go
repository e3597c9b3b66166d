// Package dispatcher implements the request dispatcher of spec §4.F:
// subscribes to the request topics, parses JSON command envelopes, routes
// them through the command table, and publishes correlated responses.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kassomat/payoutd/pkg/bus"
	"github.com/kassomat/payoutd/pkg/device"
	"github.com/kassomat/payoutd/pkg/metrics"
)

// pacingDelay is the brief delay before processing each request so a burst
// doesn't starve the poll loop (spec §4.F step 1).
const pacingDelay = 300 * time.Millisecond

// Side binds one device's request/response/event topic triple to its
// (possibly absent) Device.
type Side struct {
	Name          string // "hopper" or "validator"
	RequestTopic  string
	ResponseTopic string
	EventTopic    string
	Device        *device.Device // nil if hardware never opened
}

// Dispatcher routes inbound request envelopes to command handlers and
// publishes response/event envelopes (spec §4.F).
type Dispatcher struct {
	Bus  bus.Bus
	Log  zerolog.Logger
	Quit func() // called when a "quit" command is received

	sides   map[string]*Side // keyed by RequestTopic
	table   map[string]commandSpec
}

// New creates a dispatcher over the given sides.
func New(b bus.Bus, sides []*Side, quit func(), log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		Bus:   b,
		Log:   log.With().Str("component", "dispatcher").Logger(),
		Quit:  quit,
		sides: make(map[string]*Side, len(sides)),
		table: buildCommandTable(),
	}
	for _, s := range sides {
		d.sides[s.RequestTopic] = s
	}
	return d
}

// RequestTopics returns the topics the dispatcher wants subscribed, plus the
// reserved "metacash" topic (spec §6), which is a no-op.
func (d *Dispatcher) RequestTopics() []string {
	topics := make([]string, 0, len(d.sides)+1)
	topics = append(topics, "metacash")
	for topic := range d.sides {
		topics = append(topics, topic)
	}
	return topics
}

// Handle processes one inbound pub/sub message. It never returns an error —
// all failure modes are reported by publishing a response/error envelope,
// per spec §7.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.Message) {
	if msg.Topic == "metacash" {
		return
	}
	side, known := d.sides[msg.Topic]
	if !known {
		return
	}

	select {
	case <-time.After(pacingDelay):
	case <-ctx.Done():
		return
	}

	req, err := parseEnvelope(msg.Payload)
	if err != nil {
		metrics.DispatcherBadEnvelope()
		line := jsonErrorLine(msg.Payload, err)
		d.publish(ctx, side.ResponseTopic, map[string]any{
			"error":  "could not parse json",
			"reason": err.Error(),
			"line":   line,
		})
		return
	}

	msgID, haveMsgID := reqString(req, "msgId")
	if !haveMsgID || msgID == "" {
		metrics.DispatcherBadEnvelope()
		d.publish(ctx, side.ResponseTopic, map[string]any{
			"error": "Property 'msgId' missing or of wrong type",
		})
		return
	}

	cmd, haveCmd := reqString(req, "cmd")
	if !haveCmd || cmd == "" {
		metrics.DispatcherBadEnvelope()
		d.publish(ctx, side.ResponseTopic, map[string]any{
			"correlId": msgID,
			"error":    "Property 'cmd' missing or of wrong type",
		})
		return
	}

	resp := d.dispatch(ctx, side, cmd, req)
	resp["msgId"] = uuid.NewString()
	resp["correlId"] = msgID
	d.publish(ctx, side.ResponseTopic, resp)
}

// dispatch executes a parsed, validated command and returns its response
// fields (without msgId/correlId, which Handle fills in).
func (d *Dispatcher) dispatch(ctx context.Context, side *Side, cmd string, req map[string]any) map[string]any {
	switch cmd {
	case "quit":
		if d.Quit != nil {
			go d.Quit()
		}
		metrics.DispatcherSuccess()
		return map[string]any{"result": "ok"}
	case "test":
		metrics.DispatcherSuccess()
		return map[string]any{"result": "ok"}
	}

	spec, known := d.table[cmd]
	if !known {
		metrics.DispatcherUnknownCommand()
		return map[string]any{"error": "unknown command", "cmd": cmd}
	}

	if spec.RequiresHardware && (side.Device == nil) {
		metrics.DispatcherSoftError()
		return map[string]any{"error": "hardware unavailable"}
	}

	res := spec.Handler(ctx, side.Device, req)
	switch {
	case res.sspErr != "":
		metrics.DispatcherSSPError()
		return map[string]any{"sspError": res.sspErr}
	case res.softErr != "":
		metrics.DispatcherSoftError()
		return map[string]any{"error": res.softErr}
	default:
		metrics.DispatcherSuccess()
		out := map[string]any{"result": "ok"}
		for k, v := range res.fields {
			out[k] = v
		}
		return out
	}
}

func (d *Dispatcher) publish(ctx context.Context, topic string, fields map[string]any) {
	payload, err := json.Marshal(fields)
	if err != nil {
		d.Log.Error().Err(err).Msg("marshal response")
		return
	}
	if err := d.Bus.Publish(ctx, topic, payload); err != nil {
		d.Log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

// PublishEvent publishes a device event envelope to its event topic (spec
// §4.E).
func (d *Dispatcher) PublishEvent(ctx context.Context, side *Side, ev device.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.Log.Error().Err(err).Msg("marshal event")
		return
	}
	if err := d.Bus.Publish(ctx, side.EventTopic, payload); err != nil {
		d.Log.Warn().Err(err).Str("topic", side.EventTopic).Msg("publish event failed")
	}
}

// jsonErrorLine recovers a 1-based line number for a JSON syntax error, the
// way encoding/json's offset can be translated for a human-readable
// diagnostic (spec §8 scenario 1).
func jsonErrorLine(payload []byte, err error) int {
	se, ok := err.(*json.SyntaxError)
	if !ok {
		return 1
	}
	line := 1
	for i := int64(0); i < se.Offset && int(i) < len(payload); i++ {
		if payload[i] == '\n' {
			line++
		}
	}
	return line
}
