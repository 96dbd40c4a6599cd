// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package mercury implements the access point's URI addressed
// request/response and pub/sub protocol on top of a session.
package mercury

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/psstgo/psst/core/wire/commands"
)

// Methods.
const (
	MethodGet   = "GET"
	MethodSend  = "SEND"
	MethodSub   = "SUB"
	MethodUnsub = "UNSUB"
)

const (
	seqLength       = 8
	messageOverhead = 2 + seqLength + 1 + 2
	partOverhead    = 2
)

var errMalformed = errors.New("mercury: malformed message")

// UserField is an application defined header field.
type UserField struct {
	Key   string `cbor:"key"`
	Value []byte `cbor:"value"`
}

// Header is the first part of every message.
type Header struct {
	URI         string      `cbor:"uri"`
	ContentType string      `cbor:"content_type,omitempty"`
	Method      string      `cbor:"method,omitempty"`
	StatusCode  int32       `cbor:"status_code,omitempty"`
	UserFields  []UserField `cbor:"user_fields,omitempty"`
}

// Message is one mercury frame payload.
type Message struct {
	Seq   uint64
	Flags byte
	Parts [][]byte
}

// Final reports whether this is the last message of its sequence.
func (m *Message) Final() bool {
	return m.Flags&commands.FlagFinal != 0
}

// Encode serializes the message with an eight byte sequence.
func (m *Message) Encode() []byte {
	size := messageOverhead
	for _, p := range m.Parts {
		size += partOverhead + len(p)
	}
	b := make([]byte, 0, size)
	b = binary.BigEndian.AppendUint16(b, seqLength)
	b = binary.BigEndian.AppendUint64(b, m.Seq)
	return append(b, EncodeBody(m.Flags, m.Parts)...)
}

// EncodeBody serializes everything after the sequence: flags, the part
// count and the length prefixed parts.
func EncodeBody(flags byte, parts [][]byte) []byte {
	size := 1 + 2
	for _, p := range parts {
		size += partOverhead + len(p)
	}
	b := make([]byte, 0, size)
	b = append(b, flags)
	b = binary.BigEndian.AppendUint16(b, uint16(len(parts)))
	for _, p := range parts {
		b = binary.BigEndian.AppendUint16(b, uint16(len(p)))
		b = append(b, p...)
	}
	return b
}

// Decode parses a message.  The sequence may be one to eight bytes long.
func Decode(b []byte) (*Message, error) {
	if len(b) < 2 {
		return nil, errMalformed
	}
	seqLen := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if seqLen == 0 || seqLen > seqLength || len(b) < seqLen+3 {
		return nil, errMalformed
	}
	m := new(Message)
	for _, v := range b[:seqLen] {
		m.Seq = m.Seq<<8 | uint64(v)
	}
	b = b[seqLen:]
	m.Flags = b[0]
	count := int(binary.BigEndian.Uint16(b[1:]))
	b = b[3:]

	m.Parts = make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < partOverhead {
			return nil, fmt.Errorf("%w: part %d truncated", errMalformed, i)
		}
		n := int(binary.BigEndian.Uint16(b))
		b = b[partOverhead:]
		if len(b) < n {
			return nil, fmt.Errorf("%w: part %d truncated", errMalformed, i)
		}
		m.Parts = append(m.Parts, b[:n:n])
		b = b[n:]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", errMalformed, len(b))
	}
	return m, nil
}

// Collect joins the parts of a sequence of messages.  The last part of a
// message flagged partial continues in the first part of the next one.
func Collect(msgs []*Message) [][]byte {
	var (
		results [][]byte
		partial []byte
		pending bool
	)
	for _, m := range msgs {
		for i, part := range m.Parts {
			if pending {
				part = append(append([]byte(nil), partial...), part...)
				partial, pending = nil, false
			}
			if m.Flags == commands.FlagPartial && i == len(m.Parts)-1 {
				partial, pending = part, true
				continue
			}
			results = append(results, part)
		}
	}
	if pending {
		results = append(results, partial)
	}
	return results
}

// Fragment splits parts into messages whose encoding fits in limit bytes.
// Parts too large for the remaining room are split across messages.
func Fragment(seq uint64, parts [][]byte, limit int) []*Message {
	if min := messageOverhead + partOverhead + 1; limit < min {
		limit = min
	}
	if limit > math.MaxUint16 {
		limit = math.MaxUint16
	}

	var msgs []*Message
	cur := &Message{Seq: seq}
	size := messageOverhead
	flush := func(flags byte) {
		cur.Flags = flags
		msgs = append(msgs, cur)
		cur = &Message{Seq: seq}
		size = messageOverhead
	}

	for _, p := range parts {
		for {
			room := limit - size - partOverhead
			if len(p) <= room && len(cur.Parts) < math.MaxUint16 {
				cur.Parts = append(cur.Parts, p)
				size += partOverhead + len(p)
				break
			}
			if room > 0 && len(cur.Parts) < math.MaxUint16 {
				cur.Parts = append(cur.Parts, p[:room])
				p = p[room:]
				flush(commands.FlagPartial)
				continue
			}
			flush(0)
		}
	}
	flush(commands.FlagFinal)
	return msgs
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("BUG: mercury: cbor encoder: " + err.Error())
	}
	if cborDec, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic("BUG: mercury: cbor decoder: " + err.Error())
	}
}

// Request is a mercury request.
type Request struct {
	URI         string
	Method      string
	ContentType string
	UserFields  []UserField
	Payload     [][]byte
}

// Kind returns the frame kind carrying the request.
func (r *Request) Kind(roles commands.Roles) commands.Kind {
	switch r.Method {
	case MethodSub:
		return roles.MercurySubscribe
	case MethodUnsub:
		return roles.MercuryUnsubscribe
	default:
		return roles.MercuryRequest
	}
}

// Parts encodes the header followed by the payload.
func (r *Request) Parts() ([][]byte, error) {
	hdr, err := cborEnc.Marshal(&Header{
		URI:         r.URI,
		Method:      r.Method,
		ContentType: r.ContentType,
		UserFields:  r.UserFields,
	})
	if err != nil {
		return nil, err
	}
	return append([][]byte{hdr}, r.Payload...), nil
}

// ParseRequest decodes collected parts into a request.
func ParseRequest(parts [][]byte) (*Request, error) {
	hdr, err := parseHeader(parts)
	if err != nil {
		return nil, err
	}
	return &Request{
		URI:         hdr.URI,
		Method:      hdr.Method,
		ContentType: hdr.ContentType,
		UserFields:  hdr.UserFields,
		Payload:     parts[1:],
	}, nil
}

// Response is a mercury response or event.
type Response struct {
	URI         string
	StatusCode  int32
	ContentType string
	UserFields  []UserField
	Payload     [][]byte
}

// Parts encodes the header followed by the payload.
func (r *Response) Parts() ([][]byte, error) {
	hdr, err := cborEnc.Marshal(&Header{
		URI:         r.URI,
		StatusCode:  r.StatusCode,
		ContentType: r.ContentType,
		UserFields:  r.UserFields,
	})
	if err != nil {
		return nil, err
	}
	return append([][]byte{hdr}, r.Payload...), nil
}

// ParseResponse decodes collected parts into a response.
func ParseResponse(parts [][]byte) (*Response, error) {
	hdr, err := parseHeader(parts)
	if err != nil {
		return nil, err
	}
	return &Response{
		URI:         hdr.URI,
		StatusCode:  hdr.StatusCode,
		ContentType: hdr.ContentType,
		UserFields:  hdr.UserFields,
		Payload:     parts[1:],
	}, nil
}

// EncodeResponse serializes resp as the frame payloads answering request
// seq, each at most limit bytes long.
func EncodeResponse(seq uint64, resp *Response, limit int) ([][]byte, error) {
	parts, err := resp.Parts()
	if err != nil {
		return nil, err
	}
	msgs := Fragment(seq, parts, limit)
	payloads := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		payloads = append(payloads, m.Encode())
	}
	return payloads, nil
}

// DecodeRequest parses a single frame payload carrying a whole request.
func DecodeRequest(payload []byte) (uint64, *Request, error) {
	m, err := Decode(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := ParseRequest(Collect([]*Message{m}))
	if err != nil {
		return 0, nil, err
	}
	return m.Seq, req, nil
}

func parseHeader(parts [][]byte) (*Header, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no header part", errMalformed)
	}
	hdr := new(Header)
	if err := cborDec.Unmarshal(parts[0], hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", errMalformed, err)
	}
	return hdr, nil
}

// StatusError is a response with a non success status code.
type StatusError struct {
	URI        string
	StatusCode int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mercury: %v: status %d", e.URI, e.StatusCode)
}
