// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"fmt"

	"github.com/psstgo/psst/core/wire/commands"
)

const (
	// MACLength is the length of the per frame authenticator.
	MACLength = 4

	// MaxPayloadLength is the largest payload a frame can carry.
	MaxPayloadLength = 0xffff

	frameHeaderLength = 3
)

// Frame is one unit of the encrypted stream.  Sequence is assigned by the
// CipherStream, per direction, starting at zero.
type Frame struct {
	Sequence uint32
	Kind     commands.Kind
	Payload  []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame(seq=%d kind=0x%02x len=%d)", f.Sequence, uint8(f.Kind), len(f.Payload))
}
