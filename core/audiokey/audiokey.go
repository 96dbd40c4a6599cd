// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package audiokey fetches the AES keys protecting encoded audio files.
package audiokey

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/psstgo/psst/core/mux"
	"github.com/psstgo/psst/core/wire/commands"
)

const (
	// KeyLength is the length of an audio key.
	KeyLength = 16

	seqOffset     = FileIDLength + ItemIDLength
	requestLength = seqOffset + 4 + 2
	keyLength     = 4 + KeyLength
	errorLength   = 4 + 2
)

var errMalformed = errors.New("audiokey: malformed payload")

// Key is an AES-128 audio key.
type Key [KeyLength]byte

// KeyError is the access point refusing a key.
type KeyError struct {
	Track ItemID
	File  FileID
	Code  uint16
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("audiokey: key for %v file %v refused with code 0x%04x", e.Track, e.File, e.Code)
}

// Transport is the part of a session the client needs.
type Transport interface {
	SendRequest(kind commands.Kind, body []byte) (*mux.Pending, error)
	RequestTimeout() time.Duration
	Table() *commands.Table
}

// Client requests audio keys over a session.
type Client struct {
	t   Transport
	log *logging.Logger
}

// NewClient returns a client using t.
func NewClient(t Transport, log *logging.Logger) *Client {
	return &Client{t: t, log: log}
}

// Request fetches the key for file of track.
func (c *Client) Request(ctx context.Context, track ItemID, file FileID) (Key, error) {
	var key Key
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.t.RequestTimeout())
		defer cancel()
	}

	p, err := c.t.SendRequest(c.t.Table().Roles().KeyRequest, EncodeRequest(track, file, 0))
	if err != nil {
		return key, err
	}
	c.log.Debugf("Requesting key for %v file %v (seq %d).", track, file, p.ID())
	resp, err := p.Wait(ctx)
	if err != nil {
		var re *mux.RemoteError
		if errors.As(err, &re) {
			code, perr := decodeKeyError(re.Payload)
			if perr != nil {
				return key, perr
			}
			return key, &KeyError{Track: track, File: file, Code: code}
		}
		return key, err
	}

	payload := resp.Final().Payload
	if len(payload) != keyLength {
		return key, fmt.Errorf("%w: key payload of %d bytes", errMalformed, len(payload))
	}
	copy(key[:], payload[4:])
	return key, nil
}

// EncodeRequest builds a key request body.
func EncodeRequest(track ItemID, file FileID, seq uint32) []byte {
	b := make([]byte, 0, requestLength)
	b = append(b, file[:]...)
	b = append(b, track.ID[:]...)
	b = binary.BigEndian.AppendUint32(b, seq)
	return binary.BigEndian.AppendUint16(b, 0)
}

// DecodeRequest parses a key request on the responder side.
func DecodeRequest(payload []byte) (track ItemID, file FileID, seq uint32, err error) {
	if len(payload) != requestLength {
		return track, file, 0, fmt.Errorf("%w: request of %d bytes", errMalformed, len(payload))
	}
	copy(file[:], payload)
	copy(track.ID[:], payload[FileIDLength:])
	track.Type = ItemTrack
	return track, file, binary.BigEndian.Uint32(payload[seqOffset:]), nil
}

// EncodeKey builds the AES_KEY answer to request seq.
func EncodeKey(seq uint32, key Key) []byte {
	b := binary.BigEndian.AppendUint32(make([]byte, 0, keyLength), seq)
	return append(b, key[:]...)
}

// EncodeKeyError builds the AES_KEY_ERROR answer to request seq.
func EncodeKeyError(seq uint32, code uint16) []byte {
	b := binary.BigEndian.AppendUint32(make([]byte, 0, errorLength), seq)
	return binary.BigEndian.AppendUint16(b, code)
}

func decodeKeyError(payload []byte) (uint16, error) {
	if len(payload) != errorLength {
		return 0, fmt.Errorf("%w: key error of %d bytes", errMalformed, len(payload))
	}
	return binary.BigEndian.Uint16(payload[4:]), nil
}
