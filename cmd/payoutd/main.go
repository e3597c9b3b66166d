// Command payoutd mediates between a coin hopper and banknote validator and
// a point-of-sale application over a pub/sub bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/kassomat/payoutd/pkg/payoutd"
)

var opt struct {
	Help bool

	SerialDevice string
	PubSubHost   string
	PubSubPort   int

	PollInterval time.Duration
	RetryLevel   int
	Timeout      time.Duration

	HopperKeyHi    uint64
	ValidatorKeyHi uint64

	DebugAddr string

	NoHopper    bool
	NoValidator bool

	EnvFile string
}

func init() {
	def := payoutd.DefaultConfig()

	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVarP(&opt.SerialDevice, "device", "d", def.SerialDevicePath, "Serial device path shared by the hopper and validator")
	// -h is taken by --help, so the bus address flags use capital forms
	// (spec §6 documents this rename alongside the original -h/-p names).
	pflag.StringVarP(&opt.PubSubHost, "pubsub-host", "H", def.PubSubHost, "Pub/sub bus host")
	pflag.IntVarP(&opt.PubSubPort, "pubsub-port", "P", def.PubSubPort, "Pub/sub bus port")
	pflag.DurationVar(&opt.PollInterval, "poll-interval", def.PollInterval, "Device poll period")
	pflag.IntVar(&opt.RetryLevel, "retry-level", def.RetryLevel, "Command retries before giving up")
	pflag.DurationVar(&opt.Timeout, "timeout", def.Timeout, "Per-exchange wire timeout")
	pflag.Uint64Var(&opt.HopperKeyHi, "hopper-key", def.HopperFixedKeyHi, "High 64 bits of the hopper's fixed session key (vendor default unless the unit was reflashed)")
	pflag.Uint64Var(&opt.ValidatorKeyHi, "validator-key", def.ValidatorFixedKeyHi, "High 64 bits of the validator's fixed session key (vendor default unless the unit was reflashed)")
	pflag.StringVar(&opt.DebugAddr, "debug-addr", "", "Serve pprof/metrics/snapshot on this address (insecure, operator-local use only)")
	pflag.BoolVar(&opt.NoHopper, "no-hopper", false, "Don't open the coin hopper")
	pflag.BoolVar(&opt.NoValidator, "no-validator", false, "Don't open the banknote validator")
	pflag.StringVar(&opt.EnvFile, "env-file", "", "Optional env file overlaying PUBSUB_HOST/PUBSUB_PORT/MIN_FIRMWARE_VERSION/MIN_DATASET_VERSION/HOPPER_KEY/VALIDATOR_KEY")
}

// applyEnvOverlay overlays a small set of env vars from an optional file
// (e.g. a systemd EnvironmentFile) onto cfg, the way cmd/atlas/main.go reads
// an env_file argument with go-envparse instead of requiring every setting
// to be a CLI flag.
func applyEnvOverlay(cfg *payoutd.Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return err
	}
	if v, ok := m["PUBSUB_HOST"]; ok {
		cfg.PubSubHost = v
	}
	if v, ok := m["PUBSUB_PORT"]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PUBSUB_PORT: %w", err)
		}
		cfg.PubSubPort = p
	}
	if v, ok := m["MIN_FIRMWARE_VERSION"]; ok {
		cfg.MinFirmwareVersion = v
	}
	if v, ok := m["MIN_DATASET_VERSION"]; ok {
		cfg.MinDatasetVersion = v
	}
	if v, ok := m["HOPPER_KEY"]; ok {
		k, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("HOPPER_KEY: %w", err)
		}
		cfg.HopperFixedKeyHi = k
	}
	if v, ok := m["VALIDATOR_KEY"]; ok {
		k, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("VALIDATOR_KEY: %w", err)
		}
		cfg.ValidatorFixedKeyHi = k
	}
	return nil
}

func main() {
	pflag.Parse()

	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg := payoutd.DefaultConfig()
	cfg.SerialDevicePath = opt.SerialDevice
	cfg.PubSubHost = opt.PubSubHost
	cfg.PubSubPort = opt.PubSubPort
	cfg.PollInterval = opt.PollInterval
	cfg.RetryLevel = opt.RetryLevel
	cfg.Timeout = opt.Timeout
	cfg.HopperFixedKeyHi = opt.HopperKeyHi
	cfg.ValidatorFixedKeyHi = opt.ValidatorKeyHi
	cfg.DebugAddr = opt.DebugAddr
	cfg.DisableHopper = opt.NoHopper
	cfg.DisableValidator = opt.NoValidator

	if opt.EnvFile != "" {
		if err := applyEnvOverlay(&cfg, opt.EnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	}

	s, err := payoutd.NewServer(&cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize server: %v\n", err)
		os.Exit(1)
	}

	if cfg.DebugAddr != "" {
		go func() {
			log.Warn().Str("addr", cfg.DebugAddr).Msg("starting insecure debug server")
			if err := http.ListenAndServe(cfg.DebugAddr, s.DebugMux()); err != nil {
				log.Warn().Err(err).Msg("debug server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		var fatal *payoutd.FatalError
		if errors.As(err, &fatal) {
			fmt.Fprintf(os.Stderr, "error: %v\n", fatal.Err)
			os.Exit(fatal.ExitCode)
		}
		fmt.Fprintf(os.Stderr, "error: run server: %v\n", err)
		os.Exit(1)
	}
}
