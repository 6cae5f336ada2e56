// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/binary"

	dcrand "github.com/decred/dcrd/crypto/rand"
	"golang.org/x/crypto/chacha20"
)

// addrRand is the minimal pseudorandom source the address manager needs:
// uniform draws bounded by n, used both for bucket-walk stepping (§4.9's
// randbits-by-power-of-two trick degenerates to Uint64N since every bucket
// count here is itself a power of two) and for the stochastic refcount gate
// in Add.
type addrRand interface {
	Uint64N(n uint64) uint64
	Uint32() uint32
}

// cryptoPRNG adapts the userspace CSPRNG used throughout the rest of the
// teacher codebase to addrRand.
type cryptoPRNG struct {
	p *dcrand.PRNG
}

func newCryptoPRNG() (*cryptoPRNG, error) {
	p, err := dcrand.NewPRNG()
	if err != nil {
		return nil, err
	}
	return &cryptoPRNG{p: p}, nil
}

func (c *cryptoPRNG) Uint64N(n uint64) uint64 { return c.p.Uint64N(n) }
func (c *cryptoPRNG) Uint32() uint32          { return c.p.Uint32() }

// deterministicPRNG is a seeded ChaCha20 stream keyed directly from a known
// value rather than from crypto/rand entropy.  dcrd's own crypto/rand.PRNG
// reseeds itself from the OS CSPRNG on every construction and exposes no way
// to replay a sequence, which reproducible property tests need from a
// deterministic clear mode. No available library exposes a seedable PRNG
// with this shape, so a direct, from-scratch ChaCha20 keystream (the same
// primitive dcrd's own CSPRNG is built on) is used instead, keyed from the
// all-zero key set by Clear(true).
type deterministicPRNG struct {
	cipher chacha20.Cipher
}

func newDeterministicPRNG(seed [32]byte) *deterministicPRNG {
	var nonce [chacha20.NonceSize]byte
	cipher, _ := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	return &deterministicPRNG{cipher: *cipher}
}

func (d *deterministicPRNG) read(b []byte) {
	for i := range b {
		b[i] = 0
	}
	d.cipher.XORKeyStream(b, b)
}

func (d *deterministicPRNG) Uint64() uint64 {
	var b [8]byte
	d.read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (d *deterministicPRNG) Uint32() uint32 {
	var b [4]byte
	d.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (d *deterministicPRNG) Uint64N(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	if n&(n-1) == 0 {
		return d.Uint64() & (n - 1)
	}
	return d.Uint64() % n
}
