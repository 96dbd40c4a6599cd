// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils holds small helpers shared by the session core.
package utils

import (
	"crypto/subtle"
	"fmt"
	"net"
)

// EnsureAddrIPPort returns nil iff the address is a raw IP + Port combination.
func EnsureAddrIPPort(a string) error {
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		return err
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("address '%v' is not an IP", host)
	}
	return nil
}

// EnsureHostPort returns nil iff the address is a host (name or IP) + Port
// combination.
func EnsureHostPort(a string) error {
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		return err
	}
	if host == "" || port == "" {
		return fmt.Errorf("address '%v' is missing a host or port", a)
	}
	return nil
}

// ExplicitBzero overwrites b with zeros.
func ExplicitBzero(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}

// CtIsZero returns true iff b is all zeros, in constant time.
func CtIsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return subtle.ConstantTimeByteEq(acc, 0) == 1
}
