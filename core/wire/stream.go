// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"

	"github.com/psstgo/psst/core/crypto/shannon"
	"github.com/psstgo/psst/core/utils"
	"github.com/psstgo/psst/core/wire/commands"
)

var (
	// ErrPayloadSize is returned by Send for an oversized payload.  It is
	// not fatal.
	ErrPayloadSize = errors.New("wire/session: payload exceeds maximum frame size")

	errSequenceExhausted = errors.New("wire/session: frame sequence exhausted")
)

// CipherStream carries frames over a connection, each one encrypted and
// authenticated with Shannon under a per direction key, re-nonced with the
// frame's sequence number.
//
// Send and Receive may be called concurrently with each other.  Concurrent
// Sends are serialized, each frame reaching the connection in a single
// Write.  Any error other than an oversized payload is fatal to the
// direction it occurred in.
type CipherStream struct {
	conn net.Conn

	wMu     sync.Mutex
	sendKey []byte
	enc     *shannon.Cipher
	encSeq  uint64
	wErr    error

	rMu     sync.Mutex
	recvKey []byte
	dec     *shannon.Cipher
	decSeq  uint64
	rErr    error

	closeOnce sync.Once
}

// NewCipherStream wraps conn.  The keys are copied.
func NewCipherStream(conn net.Conn, sendKey, recvKey []byte) *CipherStream {
	s := &CipherStream{
		conn:    conn,
		sendKey: append([]byte(nil), sendKey...),
		recvKey: append([]byte(nil), recvKey...),
	}
	s.enc = shannon.New(s.sendKey)
	s.dec = shannon.New(s.recvKey)
	return s
}

// Send encrypts f and writes it to the connection, setting f.Sequence.
func (s *CipherStream) Send(f *Frame) error {
	if len(f.Payload) > MaxPayloadLength {
		return ErrPayloadSize
	}

	n := len(f.Payload)
	buf := make([]byte, frameHeaderLength+n+MACLength)
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint16(buf[1:], uint16(n))
	copy(buf[frameHeaderLength:], f.Payload)

	s.wMu.Lock()
	defer s.wMu.Unlock()

	if s.wErr != nil {
		return s.wErr
	}
	if s.encSeq > math.MaxUint32 {
		s.wErr = errSequenceExhausted
		return s.wErr
	}

	f.Sequence = uint32(s.encSeq)
	s.enc.NonceUint32(f.Sequence)
	s.enc.Encrypt(buf[:frameHeaderLength+n])
	s.enc.Finish(buf[frameHeaderLength+n:])
	s.encSeq++

	if _, err := s.conn.Write(buf); err != nil {
		s.wErr = fmt.Errorf("wire/session: write: %w", err)
		return s.wErr
	}
	return nil
}

// Receive reads, decrypts and authenticates the next frame.  Every failure
// is a *FrameError.
func (s *CipherStream) Receive() (*Frame, error) {
	s.rMu.Lock()
	defer s.rMu.Unlock()

	if s.rErr != nil {
		return nil, s.rErr
	}
	f, err := s.receive()
	if err != nil {
		s.rErr = err
		return nil, err
	}
	return f, nil
}

func (s *CipherStream) receive() (*Frame, error) {
	if s.decSeq > math.MaxUint32 {
		return nil, &FrameError{Sequence: math.MaxUint32, Reason: "sequence exhausted"}
	}
	seq := uint32(s.decSeq)

	var hdr [frameHeaderLength]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return nil, &FrameError{Sequence: seq, Reason: "reading header", Err: err}
	}
	s.dec.NonceUint32(seq)
	s.dec.Decrypt(hdr[:])

	n := int(binary.BigEndian.Uint16(hdr[1:]))
	buf := make([]byte, n+MACLength)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &FrameError{Sequence: seq, Reason: "truncated frame", Err: err}
	}
	s.dec.Decrypt(buf[:n])
	if err := s.dec.CheckMAC(buf[n:]); err != nil {
		return nil, &FrameError{Sequence: seq, Reason: "authentication failed", Err: err}
	}
	s.decSeq++

	return &Frame{
		Sequence: seq,
		Kind:     commands.Kind(hdr[0]),
		Payload:  buf[:n:n],
	}, nil
}

// Close closes the connection and wipes the keys and cipher state.  It
// unblocks a pending Receive.
func (s *CipherStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()

		s.wMu.Lock()
		utils.ExplicitBzero(s.sendKey)
		s.enc.Reset()
		s.wErr = ErrStreamClosed
		s.wMu.Unlock()

		s.rMu.Lock()
		utils.ExplicitBzero(s.recvKey)
		s.dec.Reset()
		s.rErr = ErrStreamClosed
		s.rMu.Unlock()
	})
	return err
}

// LocalAddr returns the local address of the connection.
func (s *CipherStream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote address of the connection.
func (s *CipherStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
