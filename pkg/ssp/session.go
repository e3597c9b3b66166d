package ssp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kassomat/payoutd/pkg/metrics"
)

// DefaultTimeout and DefaultRetryLevel match spec §5's defaults: a 1000ms
// per-attempt timeout and up to 3 retries.
const (
	DefaultTimeout    = time.Second
	DefaultRetryLevel = 3
)

const busyBackoff = 500 * time.Millisecond

// Session holds the per-device synchronization state described in spec §3:
// address, keys, encryption state, counters, sequence bit, and the retry
// policy. Send and each multi-command sequence (such as NegotiateEncryption)
// hold the session's lock for the whole exchange. That lock covers this
// session only; it does not serialize against other Sessions sharing the
// same Framer.
type Session struct {
	mu sync.Mutex

	framer *Framer
	addr   byte
	ka     KeyAgreement

	retryLevel int
	timeout    time.Duration

	fixedKeyHi   uint64
	negotiatedLo uint64
	encryption   bool
	cipher       *sessionCipher

	txCount uint32
	rxCount uint32
	haveRx  bool

	seqBit bool
}

// NewSession creates a session for the device at addr, communicating over
// framer.
func NewSession(framer *Framer, addr byte, retryLevel int) *Session {
	return &Session{
		framer:     framer,
		addr:       addr,
		ka:         DefaultKeyAgreement,
		retryLevel: retryLevel,
	}
}

// Address is the 7-bit bus address this session talks to.
func (s *Session) Address() byte { return s.addr }

// Encrypted reports whether encryption has been successfully negotiated.
func (s *Session) Encrypted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encryption
}

// Sync sends the unencrypted SYNC command and resets the sequence bit to 0,
// establishing a known starting sequence (spec §4.B).
func (s *Session) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqBit = false
	s.encryption = false
	s.cipher = nil
	s.txCount, s.rxCount, s.haveRx = 0, 0, false

	_, err := s.sendLocked(CmdSync, nil)
	return err
}

// NegotiateEncryption performs the SSP key exchange: SYNC, SET GENERATOR,
// SET MODULUS, REQUEST KEY EXCHANGE, each unencrypted with a fresh 64-bit
// host random, per spec §4.B. On success it derives the 128-bit session key
// and enables encryption with both counters reset to zero.
func (s *Session) NegotiateEncryption(fixedKeyHi uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqBit = false
	s.encryption = false
	s.cipher = nil
	if _, err := s.sendLocked(CmdSync, nil); err != nil {
		return fmt.Errorf("ssp: sync: %w", err)
	}

	generator := s.ka.HostRandom()
	modulus := s.ka.HostRandom() | 1 // odd modulus, as the reference generator expects
	secret := s.ka.HostRandom()
	hostPublic := s.ka.Public(generator, modulus, secret)

	if _, err := s.sendLocked(CmdSetGenerator, encodeUint64(generator)); err != nil {
		return fmt.Errorf("ssp: set generator: %w", err)
	}
	if _, err := s.sendLocked(CmdSetModulus, encodeUint64(modulus)); err != nil {
		return fmt.Errorf("ssp: set modulus: %w", err)
	}
	resp, err := s.sendLocked(CmdKeyExchange, encodeUint64(hostPublic))
	if err != nil {
		return fmt.Errorf("ssp: key exchange: %w", err)
	}
	if len(resp) < 8 {
		return fmt.Errorf("ssp: key exchange: short response")
	}
	slavePublic := decodeUint64(resp[:8])

	shared := s.ka.Shared(generator, modulus, secret, slavePublic)

	key := makeSessionKey(fixedKeyHi, shared)
	c, err := newSessionCipher(key)
	if err != nil {
		return err
	}

	s.fixedKeyHi = fixedKeyHi
	s.negotiatedLo = shared
	s.cipher = c
	s.encryption = true
	s.txCount, s.rxCount, s.haveRx = 0, 0, false
	return nil
}

// Send is the command primitive (spec §4.B): build, transmit, await reply
// within timeout, and apply the status/retry policy. It returns the
// response payload after the status byte.
func (s *Session) Send(cmd Command, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(cmd, payload)
}

func (s *Session) sendLocked(cmd Command, payload []byte) ([]byte, error) {
	attempts := s.retryLevel + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.WireRetry()
			time.Sleep(busyTimeoutBackoff(lastErr))
		}

		resp, status, subcode, hasSub, err := s.exchangeOnce(cmd, payload)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrTimeout) {
				continue
			}
			recordWireError(err)
			return nil, err
		}

		switch status {
		case StatusOK:
			s.seqBit = !s.seqBit
			metrics.WireSuccess()
			return resp, nil
		case StatusKeyNotSet:
			return nil, ErrKeyNotSet
		case StatusCommandNotProcessed:
			if hasSub && subcode == SubcodePayoutBusy {
				lastErr = &ProtocolError{Status: status, Subcode: subcode, HasSub: true}
				continue
			}
			metrics.WireProtocolError()
			return nil, &ProtocolError{Status: status, Subcode: subcode, HasSub: hasSub}
		default:
			metrics.WireProtocolError()
			return nil, &ProtocolError{Status: status, Subcode: subcode, HasSub: hasSub}
		}
	}

	metrics.WireTimeout()
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrTimeout
}

// recordWireError classifies a non-timeout wire failure for the operational
// counters (spec §8's observability requirement).
func recordWireError(err error) {
	switch {
	case errors.Is(err, ErrReplay):
		metrics.WireReplayDetected()
	case errors.Is(err, ErrCRCMismatch):
		metrics.WireCRCMismatch()
	default:
		metrics.WireProtocolError()
	}
}

// busyTimeoutBackoff waits 500ms before a busy retry and nothing extra
// before a timeout retry (the per-attempt framer timeout already waited).
func busyTimeoutBackoff(lastErr error) time.Duration {
	var pe *ProtocolError
	if errors.As(lastErr, &pe) && pe.Status == StatusCommandNotProcessed {
		return busyBackoff
	}
	return 0
}

// exchangeOnce performs exactly one transmit/receive attempt: the encrypted
// envelope (if enabled) is rebuilt from the original plaintext every
// attempt, so the transmit counter is consumed exactly once per attempt,
// never twice for a single busy retry (spec §9).
func (s *Session) exchangeOnce(cmd Command, payload []byte) (resp []byte, status Status, subcode byte, hasSub bool, err error) {
	plaintext := make([]byte, 0, 1+len(payload))
	plaintext = append(plaintext, byte(cmd))
	plaintext = append(plaintext, payload...)

	var wire []byte
	if s.encryption {
		s.txCount++
		sub, serr := encodeSubpacket(s.txCount, plaintext)
		if serr != nil {
			return nil, 0, 0, false, serr
		}
		wire = s.cipher.Encrypt(sub)
	} else {
		wire = plaintext
	}

	if err = s.framer.WriteFrame(s.addr, s.seqBit, wire); err != nil {
		return nil, 0, 0, false, err
	}

	pkt, err := s.framer.ReadFrame()
	if err != nil {
		return nil, 0, 0, false, err
	}

	var data []byte
	if s.encryption {
		plain := s.cipher.Decrypt(pkt.Payload)
		count, d, derr := decodeSubpacket(plain)
		if derr != nil {
			return nil, 0, 0, false, derr
		}
		if s.haveRx && count <= s.rxCount {
			return nil, 0, 0, false, ErrReplay
		}
		s.rxCount = count
		s.haveRx = true
		data = d
	} else {
		data = pkt.Payload
	}

	if len(data) == 0 {
		return nil, 0, 0, false, ErrShortRead
	}

	status = Status(data[0])
	rest := data[1:]
	if status == StatusCommandNotProcessed && len(rest) >= 1 {
		subcode, hasSub = rest[0], true
	}
	return rest, status, subcode, hasSub, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
