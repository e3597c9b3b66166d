package ssp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
)

// The Diffie-Hellman key agreement and the block/stream cipher it keys are,
// per the spec, out of scope for this package's core: they are the "low
// level cryptographic primitives" external collaborator. KeyAgreement and
// sessionCipher below are the seams a production deployment would swap for
// vendor-certified implementations; the ones here are a correct reference
// implementation so the session logic is runnable and testable on its own.

// KeyAgreement computes the classic SSP 64-bit Diffie-Hellman exchange:
// shared = remotePublic ^ secret mod modulus, all arithmetic mod 2^64.
type KeyAgreement interface {
	// HostRandom returns a fresh random secret exponent for one negotiation.
	HostRandom() uint64
	// Public computes generator^secret mod modulus.
	Public(generator, modulus, secret uint64) uint64
	// Shared computes remotePublic^secret mod modulus.
	Shared(generator, modulus, secret, remotePublic uint64) uint64
}

// dhKeyAgreement is the reference KeyAgreement: modular exponentiation over
// 64-bit operands, done with math/big internally so intermediate products
// don't silently overflow a machine word.
type dhKeyAgreement struct{}

// DefaultKeyAgreement is the reference Diffie-Hellman implementation used
// unless a Session is configured with another.
var DefaultKeyAgreement KeyAgreement = dhKeyAgreement{}

func (dhKeyAgreement) HostRandom() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Errorf("ssp: read random: %w", err))
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (dhKeyAgreement) Public(generator, modulus, secret uint64) uint64 {
	return modexp64(generator, secret, modulus)
}

func (dhKeyAgreement) Shared(generator, modulus, secret, remotePublic uint64) uint64 {
	_ = generator
	return modexp64(remotePublic, secret, modulus)
}

var two64 = new(big.Int).Lsh(big.NewInt(1), 64)

func modexp64(base, exp, mod uint64) uint64 {
	if mod == 0 {
		return 0
	}
	b := new(big.Int).SetUint64(base)
	e := new(big.Int).SetUint64(exp)
	m := new(big.Int).SetUint64(mod)
	r := new(big.Int).Exp(b, e, m)
	r.Mod(r, two64)
	return r.Uint64()
}

// sessionKey is the 128-bit key formed by concatenating the per-device fixed
// high 64 bits with the negotiated low 64 bits (spec §4.B).
type sessionKey [16]byte

func makeSessionKey(fixedHi, negotiatedLo uint64) sessionKey {
	var k sessionKey
	binary.LittleEndian.PutUint64(k[0:8], fixedHi)
	binary.LittleEndian.PutUint64(k[8:16], negotiatedLo)
	return k
}

// sessionCipher is the block/stream cipher keyed by the negotiated 128-bit
// key, used only to wrap/unwrap the encrypted sub-packet payload. AES-128 in
// CTR mode with a fixed all-zero IV: the sub-packet's own monotonic counter
// and randomized packing carry the protocol's freshness/anti-replay
// guarantees (per the real SSP wire format), not the cipher's nonce, so
// encrypt and decrypt never need to agree on an out-of-band IV.
type sessionCipher struct {
	block cipher.Block
}

var zeroIV [16]byte

func newSessionCipher(key sessionKey) (*sessionCipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("ssp: init cipher: %w", err)
	}
	return &sessionCipher{block: block}, nil
}

func (c *sessionCipher) xform(in []byte) []byte {
	out := make([]byte, len(in))
	cipher.NewCTR(c.block, zeroIV[:]).XORKeyStream(out, in)
	return out
}

// Encrypt and Decrypt are inverses of each other: CTR mode's keystream is
// symmetric, so both just XOR with the same keystream prefix.
func (c *sessionCipher) Encrypt(plaintext []byte) []byte {
	return c.xform(plaintext)
}

func (c *sessionCipher) Decrypt(ciphertext []byte) []byte {
	return c.xform(ciphertext)
}
