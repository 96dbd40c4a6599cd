// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package shannon implements the Shannon stream cipher with its built in
// message authentication, as used to protect access point frames.
package shannon

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"math/bits"
)

const (
	n         = 16
	keyP      = 13
	initKonst = 0x6996c53a
)

// ErrMACMismatch is returned by CheckMAC when the authenticator differs.
var ErrMACMismatch = errors.New("shannon: MAC mismatch")

// Cipher is a Shannon instance.  The zero value is unusable; create one with
// New.  A Cipher is not safe for concurrent use.
type Cipher struct {
	r     [n]uint32
	crc   [n]uint32
	initR [n]uint32
	konst uint32
	sbuf  uint32
	mbuf  uint32
	nbuf  int // bits left in sbuf
}

// New keys a Cipher.
func New(key []byte) *Cipher {
	c := new(Cipher)
	c.initState()
	c.loadKey(key)
	c.konst = c.r[0]
	c.initR = c.r
	c.nbuf = 0
	return c
}

// Nonce re-seeds the cipher from the keyed state and the nonce, starting a
// new message.
func (c *Cipher) Nonce(nonce []byte) {
	c.r = c.initR
	c.konst = initKonst
	c.loadKey(nonce)
	c.konst = c.r[0]
	c.nbuf = 0
}

// NonceUint32 is Nonce with a big endian counter.
func (c *Cipher) NonceUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	c.Nonce(b[:])
}

// Encrypt encrypts buf in place and folds the plaintext into the MAC.
// Successive calls continue the same message.
func (c *Cipher) Encrypt(buf []byte) {
	if c.nbuf != 0 {
		for c.nbuf != 0 && len(buf) != 0 {
			c.mbuf ^= uint32(buf[0]) << (32 - c.nbuf)
			buf[0] ^= byte(c.sbuf >> (32 - c.nbuf))
			buf = buf[1:]
			c.nbuf -= 8
		}
		if c.nbuf != 0 {
			return
		}
		c.macFunc(c.mbuf)
	}

	for len(buf) >= 4 {
		c.cycle()
		t := binary.LittleEndian.Uint32(buf)
		c.macFunc(t)
		binary.LittleEndian.PutUint32(buf, t^c.sbuf)
		buf = buf[4:]
	}

	if len(buf) != 0 {
		c.cycle()
		c.mbuf = 0
		c.nbuf = 32
		for c.nbuf != 0 && len(buf) != 0 {
			c.mbuf ^= uint32(buf[0]) << (32 - c.nbuf)
			buf[0] ^= byte(c.sbuf >> (32 - c.nbuf))
			buf = buf[1:]
			c.nbuf -= 8
		}
	}
}

// Decrypt decrypts buf in place and folds the recovered plaintext into the
// MAC.
func (c *Cipher) Decrypt(buf []byte) {
	if c.nbuf != 0 {
		for c.nbuf != 0 && len(buf) != 0 {
			buf[0] ^= byte(c.sbuf >> (32 - c.nbuf))
			c.mbuf ^= uint32(buf[0]) << (32 - c.nbuf)
			buf = buf[1:]
			c.nbuf -= 8
		}
		if c.nbuf != 0 {
			return
		}
		c.macFunc(c.mbuf)
	}

	for len(buf) >= 4 {
		c.cycle()
		t := binary.LittleEndian.Uint32(buf) ^ c.sbuf
		c.macFunc(t)
		binary.LittleEndian.PutUint32(buf, t)
		buf = buf[4:]
	}

	if len(buf) != 0 {
		c.cycle()
		c.mbuf = 0
		c.nbuf = 32
		for c.nbuf != 0 && len(buf) != 0 {
			buf[0] ^= byte(c.sbuf >> (32 - c.nbuf))
			c.mbuf ^= uint32(buf[0]) << (32 - c.nbuf)
			buf = buf[1:]
			c.nbuf -= 8
		}
	}
}

// Finish completes the message and writes len(mac) bytes of authenticator.
func (c *Cipher) Finish(mac []byte) {
	if c.nbuf != 0 {
		c.macFunc(c.mbuf)
	}

	// Only the register is perturbed here, not the CRC, so the end of
	// input cannot be forged by appending plaintext.
	c.cycle()
	c.r[keyP] ^= initKonst ^ uint32(c.nbuf<<3)
	c.nbuf = 0

	for i := range c.r {
		c.r[i] ^= c.crc[i]
	}
	c.diffuse()

	for len(mac) > 0 {
		c.cycle()
		if len(mac) >= 4 {
			binary.LittleEndian.PutUint32(mac, c.sbuf)
			mac = mac[4:]
			continue
		}
		for i := range mac {
			mac[i] = byte(c.sbuf >> (8 * uint(i)))
		}
		break
	}
}

// CheckMAC completes the message and compares the authenticator against
// expected in constant time.
func (c *Cipher) CheckMAC(expected []byte) error {
	got := make([]byte, len(expected))
	c.Finish(got)
	if subtle.ConstantTimeCompare(got, expected) != 1 {
		return ErrMACMismatch
	}
	return nil
}

// Reset clears all key dependent state.
func (c *Cipher) Reset() {
	*c = Cipher{}
}

func (c *Cipher) initState() {
	c.r[0] = 1
	c.r[1] = 1
	for i := 2; i < n; i++ {
		c.r[i] = c.r[i-1] + c.r[i-2]
	}
	c.konst = initKonst
}

func (c *Cipher) loadKey(key []byte) {
	i := 0
	for ; i+4 <= len(key); i += 4 {
		c.r[keyP] ^= binary.LittleEndian.Uint32(key[i:])
		c.cycle()
	}

	// Zero pad a trailing partial word.
	if i < len(key) {
		var xtra [4]byte
		copy(xtra[:], key[i:])
		c.r[keyP] ^= binary.LittleEndian.Uint32(xtra[:])
		c.cycle()
	}

	c.r[keyP] ^= uint32(len(key))
	c.cycle()

	c.crc = c.r
	c.diffuse()

	// Irreversible key loading.
	for i := range c.r {
		c.r[i] ^= c.crc[i]
	}
}

func (c *Cipher) cycle() {
	t := c.r[12] ^ c.r[13] ^ c.konst
	t = sbox1(t) ^ bits.RotateLeft32(c.r[0], 1)
	copy(c.r[:], c.r[1:])
	c.r[n-1] = t
	t = sbox2(c.r[2] ^ c.r[15])
	c.r[0] ^= t
	c.sbuf = t ^ c.r[8] ^ c.r[12]
}

func (c *Cipher) crcFunc(i uint32) {
	t := c.crc[0] ^ c.crc[2] ^ c.crc[15] ^ i
	copy(c.crc[:], c.crc[1:])
	c.crc[n-1] = t
}

func (c *Cipher) macFunc(i uint32) {
	c.crcFunc(i)
	c.r[keyP] ^= i
}

func (c *Cipher) diffuse() {
	for i := 0; i < n; i++ {
		c.cycle()
	}
}

func sbox1(w uint32) uint32 {
	w ^= bits.RotateLeft32(w, 5) | bits.RotateLeft32(w, 7)
	w ^= bits.RotateLeft32(w, 19) | bits.RotateLeft32(w, 22)
	return w
}

func sbox2(w uint32) uint32 {
	w ^= bits.RotateLeft32(w, 7) | bits.RotateLeft32(w, 22)
	w ^= bits.RotateLeft32(w, 5) | bits.RotateLeft32(w, 19)
	return w
}
