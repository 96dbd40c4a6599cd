// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package audiokey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	base62Digits = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	base62Length = 22

	// ItemIDLength is the length of a raw item id.
	ItemIDLength = 16

	// FileIDLength is the length of a raw file id.
	FileIDLength = 20
)

var errInvalidID = errors.New("audiokey: invalid id")

// ItemType is the kind of item an ItemID names.
type ItemType int

const (
	ItemUnknown ItemType = iota
	ItemTrack
	ItemPodcast
)

func (t ItemType) String() string {
	switch t {
	case ItemTrack:
		return "track"
	case ItemPodcast:
		return "podcast"
	default:
		return "unknown"
	}
}

// ItemID is a 128 bit track or episode id.
type ItemID struct {
	ID   [ItemIDLength]byte
	Type ItemType
}

// ItemIDFromRaw builds an id from its 16 byte big endian form.
func ItemIDFromRaw(b []byte, typ ItemType) (ItemID, error) {
	var id ItemID
	if len(b) != ItemIDLength {
		return id, fmt.Errorf("%w: raw length %d", errInvalidID, len(b))
	}
	copy(id.ID[:], b)
	id.Type = typ
	return id, nil
}

// ParseBase62 parses the 22 character base62 form.
func ParseBase62(s string, typ ItemType) (ItemID, error) {
	id := ItemID{Type: typ}
	if len(s) != base62Length {
		return id, fmt.Errorf("%w: base62 length %d", errInvalidID, len(s))
	}
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(base62Digits, s[i])
		if d < 0 {
			return id, fmt.Errorf("%w: base62 digit %q", errInvalidID, s[i])
		}
		if !mulAdd(&id.ID, 62, uint(d)) {
			return id, fmt.Errorf("%w: base62 value overflows 128 bits", errInvalidID)
		}
	}
	return id, nil
}

// ParseBase16 parses the 32 character hex form.
func ParseBase16(s string, typ ItemType) (ItemID, error) {
	if len(s) != 2*ItemIDLength {
		return ItemID{}, fmt.Errorf("%w: base16 length %d", errInvalidID, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ItemID{}, fmt.Errorf("%w: %v", errInvalidID, err)
	}
	return ItemIDFromRaw(b, typ)
}

// ParseURI parses "spotify:track:<base62>" and "spotify:episode:<base62>".
func ParseURI(uri string) (ItemID, error) {
	i := strings.LastIndexByte(uri, ':')
	if i < 0 {
		return ItemID{}, fmt.Errorf("%w: uri %q", errInvalidID, uri)
	}
	typ := ItemUnknown
	switch {
	case strings.Contains(uri, ":episode:"):
		typ = ItemPodcast
	case strings.Contains(uri, ":track:"):
		typ = ItemTrack
	}
	return ParseBase62(uri[i+1:], typ)
}

// Base62 returns the 22 character base62 form.
func (id ItemID) Base62() string {
	n := id.ID
	var out [base62Length]byte
	for i := base62Length - 1; i >= 0; i-- {
		out[i] = base62Digits[divMod(&n, 62)]
	}
	return string(out[:])
}

// Base16 returns the 32 character hex form.
func (id ItemID) Base16() string {
	return hex.EncodeToString(id.ID[:])
}

// URI returns the spotify URI of the id.
func (id ItemID) URI() string {
	return "spotify:" + id.Type.String() + ":" + id.Base62()
}

func (id ItemID) String() string {
	return id.URI()
}

// mulAdd sets n = n*m + a, reporting false on overflow.
func mulAdd(n *[ItemIDLength]byte, m, a uint) bool {
	carry := a
	for i := len(n) - 1; i >= 0; i-- {
		v := uint(n[i])*m + carry
		n[i] = byte(v)
		carry = v >> 8
	}
	return carry == 0
}

// divMod sets n = n/d and returns the remainder.
func divMod(n *[ItemIDLength]byte, d uint) uint {
	var r uint
	for i := range n {
		v := r<<8 | uint(n[i])
		n[i] = byte(v / d)
		r = v % d
	}
	return r
}

// FileID names one encoded file of an item.
type FileID [FileIDLength]byte

// ParseFileID parses the 40 character hex form.
func ParseFileID(s string) (FileID, error) {
	var id FileID
	if len(s) != 2*FileIDLength {
		return id, fmt.Errorf("%w: file id length %d", errInvalidID, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %v", errInvalidID, err)
	}
	return id, nil
}

func (id FileID) String() string {
	return hex.EncodeToString(id[:])
}
