package payoutd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/kassomat/payoutd/pkg/bus"
	"github.com/kassomat/payoutd/pkg/device"
	"github.com/kassomat/payoutd/pkg/dispatcher"
	"github.com/kassomat/payoutd/pkg/metrics"
	"github.com/kassomat/payoutd/pkg/ssp"
)

// Server owns the pub/sub bus, the two devices, the dispatcher and poll
// loop, analogous to pkg/atlas/server.go's Server owning the API0 handler
// and its listeners.
type Server struct {
	Logger zerolog.Logger
	Config Config

	Bus        bus.Bus
	Hopper     *device.Device
	Validator  *device.Device
	Dispatcher *dispatcher.Dispatcher

	hopperSide    *dispatcher.Side
	validatorSide *dispatcher.Side

	// busMu serializes every exchange on the shared serial bus (spec §5:
	// "single-threaded cooperative event loop") across both devices and
	// both the poll loop and the request dispatcher — each Session's own
	// mutex only serializes that device's own multi-command sequences.
	busMu sync.Mutex

	cancel context.CancelFunc
	closed bool
}

// NewServer opens the serial port, constructs both devices (unless
// disabled), connects the bus, and builds the dispatcher. It does not
// initialize the devices or start the poll loop; call Run for that.
func NewServer(c *Config, log zerolog.Logger) (*Server, error) {
	s := &Server{Logger: log, Config: *c}

	port, err := openSerialPort(c.SerialDevicePath)
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", c.SerialDevicePath, err)
	}
	framer := ssp.NewFramer(port, c.Timeout)

	s.Bus = bus.NewRedisBus(fmt.Sprintf("%s:%d", c.PubSubHost, c.PubSubPort), log)

	var sides []*dispatcher.Side

	if !c.DisableHopper {
		s.Hopper = device.New("hopper", "coin hopper", device.AddrHopper, c.HopperFixedKeyHi, framer, c.RetryLevel, log)
		s.Hopper.Handler = &device.HopperHandler{}
		s.hopperSide = &dispatcher.Side{
			Name:          "hopper",
			RequestTopic:  "hopper-request",
			ResponseTopic: "hopper-response",
			EventTopic:    "hopper-event",
			Device:        s.Hopper,
		}
		sides = append(sides, s.hopperSide)
	}

	if !c.DisableValidator {
		s.Validator = device.New("validator", "banknote validator", device.AddrValidator, c.ValidatorFixedKeyHi, framer, c.RetryLevel, log)
		s.Validator.Handler = &device.ValidatorHandler{}
		s.validatorSide = &dispatcher.Side{
			Name:          "validator",
			RequestTopic:  "validator-request",
			ResponseTopic: "validator-response",
			EventTopic:    "validator-event",
			Device:        s.Validator,
		}
		sides = append(sides, s.validatorSide)
	}

	s.Dispatcher = dispatcher.New(s.Bus, sides, s.requestShutdown, log)
	return s, nil
}

// requestShutdown is the dispatcher's "quit" command hook.
func (s *Server) requestShutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

// initializeDevices runs each configured device's Initialize, then its
// device-specific extra setup, logging and continuing past a failed device
// so a till missing one unit can still run the other (spec §4.D: each
// device's initialization is independent).
func (s *Server) initializeDevices() {
	if s.Hopper != nil {
		if err := s.Hopper.Initialize(); err != nil {
			s.Logger.Error().Err(err).Msg("hopper initialization failed")
		} else if h, ok := s.Hopper.Handler.(*device.HopperHandler); ok {
			h.Setup = s.Hopper.Setup()
			s.checkVersions(s.Hopper)
			if err := device.InitHopperExtras(s.Hopper); err != nil {
				s.Logger.Error().Err(err).Msg("hopper extra setup failed")
			}
		}
	}
	if s.Validator != nil {
		if err := s.Validator.Initialize(); err != nil {
			s.Logger.Error().Err(err).Msg("validator initialization failed")
		} else if v, ok := s.Validator.Handler.(*device.ValidatorHandler); ok {
			v.Setup = s.Validator.Setup()
			s.checkVersions(s.Validator)
			if err := device.InitValidatorExtras(s.Validator); err != nil {
				s.Logger.Error().Err(err).Msg("validator extra setup failed")
			}
		}
	}
}

// checkVersions warns if the device's reported firmware/dataset version is
// older than the configured floor (spec's ambient stack: a production
// daemon logs a warning rather than refusing to run against slightly
// outdated hardware, since that's an operator decision, not payoutd's).
func (s *Server) checkVersions(d *device.Device) {
	setup := d.Setup()
	if !device.MeetsMinimumVersion(setup.FirmwareVer, s.Config.MinFirmwareVersion) {
		s.Logger.Warn().Str("device", d.ID).Str("firmwareVer", setup.FirmwareVer).
			Str("minimum", s.Config.MinFirmwareVersion).Msg("firmware version below configured minimum")
	}
	if !device.MeetsMinimumVersion(setup.DatasetVer, s.Config.MinDatasetVersion) {
		s.Logger.Warn().Str("device", d.ID).Str("datasetVer", setup.DatasetVer).
			Str("minimum", s.Config.MinDatasetVersion).Msg("dataset version below configured minimum")
	}
}

// Run starts the bus subscription, the request dispatcher and the poll
// loop, and blocks until ctx is canceled or a fatal protocol failure occurs
// (spec §4.F / §7: a unit reset followed by a failed reestablish_protocol is
// fatal).
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.busMu.Lock()
	s.initializeDevices()
	s.busMu.Unlock()

	msgs, err := s.Bus.Subscribe(ctx, s.Dispatcher.RequestTopics()...)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	fatal := make(chan error, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				s.busMu.Lock()
				s.Dispatcher.Handle(ctx, msg)
				s.busMu.Unlock()
			}
		}
	}()

	go s.pollLoop(ctx, fatal)

	select {
	case <-ctx.Done():
		s.Bus.Close()
		return ctx.Err()
	case err := <-fatal:
		s.Bus.Close()
		return err
	}
}

// DebugMux builds the unauthenticated debug HTTP handler: pprof, Prometheus
// metrics and a gzip-compressed device-state snapshot, the way
// cmd/atlas/main.go wires its "dbg" mux and pkg/atlas/server.go compresses
// its HAR debug output with klauspost/compress/gzip.
func (s *Server) DebugMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	})
	mux.HandleFunc("/debug/snapshot", s.handleSnapshot)
	return mux
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := struct {
		Hopper    *deviceSnapshot `json:"hopper,omitempty"`
		Validator *deviceSnapshot `json:"validator,omitempty"`
	}{
		Hopper:    snapshotDevice(s.Hopper),
		Validator: snapshotDevice(s.Validator),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	json.NewEncoder(gz).Encode(snap)
}

type deviceSnapshot struct {
	State       string `json:"state"`
	InhibitMask byte   `json:"inhibitMask"`
	FirmwareVer string `json:"firmwareVer"`
	DatasetVer  string `json:"datasetVer"`
}

func snapshotDevice(d *device.Device) *deviceSnapshot {
	if d == nil {
		return nil
	}
	setup := d.Setup()
	return &deviceSnapshot{
		State:       d.State().String(),
		InhibitMask: d.InhibitMask(),
		FirmwareVer: setup.FirmwareVer,
		DatasetVer:  setup.DatasetVer,
	}
}
