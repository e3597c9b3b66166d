// Package payoutd wires the ssp, device, bus and dispatcher packages into a
// running daemon: two devices (hopper, validator), a pub/sub connection, a
// request dispatcher, and a poll loop, the way pkg/atlas/server.go wires an
// API0 handler and server list into an http.Server.
package payoutd

import "time"

// Config holds the daemon's startup configuration. Fields are bound to CLI
// flags by cmd/payoutd, mirroring the flag-then-struct pattern of
// pkg/atlas/config.go (there it's UnmarshalEnv over an env var list; here the
// source is pflag since the spec's interface is a CLI, not an env file).
type Config struct {
	// SerialDevicePath is the tty the hopper and validator are multi-dropped
	// on (spec §6 "-d"). Both devices share one physical bus (spec §1/§5).
	SerialDevicePath string

	// PubSubHost/PubSubPort address the pub/sub bus (spec §6 "-h"/"-p",
	// renamed to avoid colliding with pflag's reserved -h help flag).
	PubSubHost string
	PubSubPort int

	// PollInterval is the poll loop period (spec §4.D "the host polls each
	// unit periodically").
	PollInterval time.Duration

	// RetryLevel bounds how many times a single command exchange is retried
	// on timeout before the caller sees ssp.ErrTimeout (spec §4.B).
	RetryLevel int

	// Timeout bounds a single frame round-trip (spec §4.B).
	Timeout time.Duration

	// FixedKeyHi supplies the high 64 bits of the session key (spec §4.A);
	// the low 64 bits are negotiated via Diffie-Hellman per exchange.
	// DefaultConfig sets both to the vendor-documented default key so a
	// deployment against stock hardware works with no flag at all; a site
	// that has reflashed its units with a custom fixed key overrides one or
	// both via -hopper-key/-validator-key or the env overlay.
	HopperFixedKeyHi    uint64
	ValidatorFixedKeyHi uint64

	// DebugAddr, if non-empty, serves pprof, metrics and a device-state
	// snapshot on this address (unauthenticated — operator-local use only,
	// the way cmd/atlas/main.go's INSECURE_DEBUG_SERVER_ADDR works).
	DebugAddr string

	// DisableHopper/DisableValidator skip opening that device entirely, so
	// the daemon can run against a till with only one unit installed.
	DisableHopper    bool
	DisableValidator bool

	// MinFirmwareVersion/MinDatasetVersion, if set, are the oldest
	// firmware/dataset semantic versions the daemon will accept without
	// logging a warning, the way pkg/atlas/config.go gates a minimum
	// launcher version. Empty disables the check.
	MinFirmwareVersion string
	MinDatasetVersion  string
}

// defaultFixedKeyHi is the vendor-documented fixed key shared by every unit
// that hasn't been reflashed with a site-specific key (original_source's
// DEFAULT_KEY, used for both the hopper and the validator).
const defaultFixedKeyHi uint64 = 0x0123456701234567

// DefaultConfig returns a Config populated with the spec's documented
// defaults (spec §6).
func DefaultConfig() Config {
	return Config{
		SerialDevicePath:    "/dev/ttyACM0",
		PubSubHost:          "127.0.0.1",
		PubSubPort:          6379,
		PollInterval:        200 * time.Millisecond,
		RetryLevel:          3,
		Timeout:             time.Second,
		HopperFixedKeyHi:    defaultFixedKeyHi,
		ValidatorFixedKeyHi: defaultFixedKeyHi,
	}
}
