// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package dh implements the finite field Diffie-Hellman exchange used to
// establish the access point session keys.
package dh

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/psstgo/psst/core/utils"
)

var (
	// ErrPublicKeyOutOfRange is returned when the peer's public value is not
	// in the open interval (1, p-1).
	ErrPublicKeyOutOfRange = errors.New("dh: public value out of range")

	errShortPrivateKey = errors.New("dh: private exponent too short")
)

const oakley768 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A63A3620FFFFFFFFFFFFFFFF"

// Group is a prime field and generator.
type Group struct {
	P *big.Int
	G *big.Int

	// PrivateKeySize is the number of random bytes in a private exponent.
	PrivateKeySize int
}

// Size returns the fixed width in bytes of public values and shared secrets.
func (g *Group) Size() int {
	return (g.P.BitLen() + 7) / 8
}

// Oakley768 is the 768-bit MODP group (RFC 2409 group 1) used by the access
// points, with generator 2 and a 95 byte private exponent.
var Oakley768 = func() *Group {
	p, ok := new(big.Int).SetString(oakley768, 16)
	if !ok {
		panic("BUG: dh: invalid group prime")
	}
	return &Group{
		P:              p,
		G:              big.NewInt(2),
		PrivateKeySize: 95,
	}
}()

// KeyPair is a local Diffie-Hellman key pair.
type KeyPair struct {
	group   *Group
	private *big.Int
	public  []byte
}

// GenerateKeyPair draws a private exponent from r and computes the matching
// public value.
func GenerateKeyPair(group *Group, r io.Reader) (*KeyPair, error) {
	raw := make([]byte, group.PrivateKeySize)
	defer utils.ExplicitBzero(raw)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("dh: failed to read entropy: %w", err)
	}
	return NewKeyPair(group, raw)
}

// NewKeyPair builds a key pair from an explicit private exponent.
func NewKeyPair(group *Group, private []byte) (*KeyPair, error) {
	if utils.CtIsZero(private) {
		return nil, errShortPrivateKey
	}
	x := new(big.Int).SetBytes(private)
	y := new(big.Int).Exp(group.G, x, group.P)
	return &KeyPair{
		group:   group,
		private: x,
		public:  y.FillBytes(make([]byte, group.Size())),
	}, nil
}

// PublicKey returns the fixed width big endian public value.
func (k *KeyPair) PublicKey() []byte {
	out := make([]byte, len(k.public))
	copy(out, k.public)
	return out
}

// SharedSecret computes remote^private mod p.  The caller owns the returned
// secret and is expected to Wipe it once the cipher keys are derived.
func (k *KeyPair) SharedSecret(remotePublic []byte) (*SharedSecret, error) {
	if k.private == nil {
		return nil, errors.New("dh: key pair has been reset")
	}
	y := new(big.Int).SetBytes(remotePublic)
	pMinusOne := new(big.Int).Sub(k.group.P, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pMinusOne) >= 0 {
		return nil, ErrPublicKeyOutOfRange
	}
	s := new(big.Int).Exp(y, k.private, k.group.P)
	return &SharedSecret{b: s.FillBytes(make([]byte, k.group.Size()))}, nil
}

// Reset drops the private exponent.  math/big gives no guarantee about
// clearing the backing words, so this only releases the reference.
func (k *KeyPair) Reset() {
	if k.private != nil {
		k.private.SetInt64(0)
		k.private = nil
	}
}

// SharedSecret is the raw key exchange output.
type SharedSecret struct {
	b []byte
}

// Bytes returns the secret.  The slice aliases the internal buffer and is
// zeroed by Wipe.
func (s *SharedSecret) Bytes() []byte {
	return s.b
}

// Wipe zeroes the secret.
func (s *SharedSecret) Wipe() {
	utils.ExplicitBzero(s.b)
	s.b = nil
}
