// SPDX-FileCopyrightText: Copyright (C) 2017  David Anthony Stainton, Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands describes the access point frame kinds: how each kind is
// routed once decrypted and where its correlation id lives in the payload.
package commands

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	// ErrNoCorrelation is returned when a payload of a correlated kind does
	// not carry a usable correlation id.
	ErrNoCorrelation = errors.New("commands: payload carries no correlation id")

	errInvalidDescriptor = errors.New("commands: invalid descriptor")
)

// Kind is the one byte frame kind code.
type Kind uint8

// Default access point kind codes.
const (
	SecretBlock    Kind = 0x02
	Ping           Kind = 0x04
	StreamChunk    Kind = 0x08
	StreamChunkRes Kind = 0x09
	ChannelError   Kind = 0x0a
	ChannelAbort   Kind = 0x0b
	RequestKey     Kind = 0x0c
	AESKey         Kind = 0x0d
	AESKeyError    Kind = 0x0e
	Image          Kind = 0x19
	CountryCode    Kind = 0x1b
	Pong           Kind = 0x49
	PongAck        Kind = 0x4a
	Pause          Kind = 0x4b
	ProductInfo    Kind = 0x50
	LegacyWelcome  Kind = 0x69
	LicenseVersion Kind = 0x76
	Login          Kind = 0xab
	APWelcome      Kind = 0xac
	AuthFailure    Kind = 0xad
	MercuryReq     Kind = 0xb2
	MercurySub     Kind = 0xb3
	MercuryUnsub   Kind = 0xb4
	MercuryEvent   Kind = 0xb5
)

// Class is the routing class of a kind. The set is closed, every switch
// over it must treat unlisted values as unexpected.
type Class uint8

const (
	// ClassUnknown is the zero value and is never valid in a table.
	ClassUnknown Class = iota

	// ClassOutbound kinds are only ever sent by the client.
	ClassOutbound

	// ClassResponse kinds answer a pending request by correlation id.
	ClassResponse

	// ClassPush kinds are unsolicited and delivered to subscribers.
	ClassPush

	// ClassCorrelatedPush kinds answer a pending request when the id
	// matches one, and are delivered to subscribers otherwise.
	ClassCorrelatedPush

	// ClassControl kinds are consumed by the session itself.
	ClassControl

	// ClassHandshake kinds are only valid while authenticating.
	ClassHandshake
)

var classNames = map[Class]string{
	ClassOutbound:       "outbound",
	ClassResponse:       "response",
	ClassPush:           "push",
	ClassCorrelatedPush: "correlated_push",
	ClassControl:        "control",
	ClassHandshake:      "handshake",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// ParseClass maps a configuration name to a Class.
func ParseClass(s string) (Class, error) {
	for c, name := range classNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return ClassUnknown, fmt.Errorf("commands: unknown class '%v'", s)
}

// Correlation is the layout of the correlation id inside a payload.
type Correlation uint8

const (
	// CorrelationNone kinds carry no id.
	CorrelationNone Correlation = iota

	// CorrelationUint32 kinds carry a big endian uint32 at Offset.
	CorrelationUint32

	// CorrelationSequence kinds start with a u16 length prefixed big
	// endian sequence number followed by a flags byte.
	CorrelationSequence
)

var correlationNames = map[Correlation]string{
	CorrelationNone:     "none",
	CorrelationUint32:   "uint32",
	CorrelationSequence: "sequence",
}

func (c Correlation) String() string {
	if s, ok := correlationNames[c]; ok {
		return s
	}
	return fmt.Sprintf("correlation(%d)", uint8(c))
}

// ParseCorrelation maps a configuration name to a Correlation.
func ParseCorrelation(s string) (Correlation, error) {
	for c, name := range correlationNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return CorrelationNone, fmt.Errorf("commands: unknown correlation '%v'", s)
}

// Sequence flags.
const (
	FlagFinal   = 0x01
	FlagPartial = 0x02
)

const sequenceIDLength = 8

// Header is the correlation metadata carried by a payload.
type Header struct {
	ID    uint32
	Final bool
}

// Descriptor describes a single kind.
type Descriptor struct {
	Kind        Kind
	Name        string
	Class       Class
	Correlation Correlation

	// Offset is the position of a CorrelationUint32 id.
	Offset int

	// Channel groups requests with the kinds that may answer them. A
	// response only completes a pending request of the same channel.
	Channel string

	// Failure marks a response kind that completes its request with an
	// error.
	Failure bool
}

// Validate checks the descriptor for internal consistency.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: kind 0x%02x has no name", errInvalidDescriptor, uint8(d.Kind))
	}
	if _, ok := classNames[d.Class]; !ok {
		return fmt.Errorf("%w: %v has %v", errInvalidDescriptor, d.Name, d.Class)
	}
	if _, ok := correlationNames[d.Correlation]; !ok {
		return fmt.Errorf("%w: %v has %v", errInvalidDescriptor, d.Name, d.Correlation)
	}
	if d.Offset < 0 || (d.Offset != 0 && d.Correlation != CorrelationUint32) {
		return fmt.Errorf("%w: %v has offset %d", errInvalidDescriptor, d.Name, d.Offset)
	}
	switch d.Class {
	case ClassResponse, ClassCorrelatedPush:
		if d.Correlation == CorrelationNone {
			return fmt.Errorf("%w: %v is %v without a correlation id", errInvalidDescriptor, d.Name, d.Class)
		}
	}
	if d.Correlation != CorrelationNone && d.Channel == "" {
		return fmt.Errorf("%w: %v is correlated but has no channel", errInvalidDescriptor, d.Name)
	}
	if d.Failure && d.Class != ClassResponse {
		return fmt.Errorf("%w: only responses may be failures", errInvalidDescriptor)
	}
	return nil
}

// Decode extracts the correlation header from a payload.
func (d *Descriptor) Decode(payload []byte) (Header, error) {
	switch d.Correlation {
	case CorrelationUint32:
		if len(payload) < d.Offset+4 {
			return Header{}, ErrNoCorrelation
		}
		return Header{
			ID:    binary.BigEndian.Uint32(payload[d.Offset:]),
			Final: true,
		}, nil
	case CorrelationSequence:
		if len(payload) < 2 {
			return Header{}, ErrNoCorrelation
		}
		seqLen := int(binary.BigEndian.Uint16(payload))
		if seqLen == 0 || seqLen > sequenceIDLength || len(payload) < 2+seqLen+1 {
			return Header{}, ErrNoCorrelation
		}
		var seq uint64
		for _, b := range payload[2 : 2+seqLen] {
			seq = seq<<8 | uint64(b)
		}
		if seq > math.MaxUint32 {
			return Header{}, ErrNoCorrelation
		}
		flags := payload[2+seqLen]
		return Header{
			ID:    uint32(seq),
			Final: flags&FlagFinal != 0,
		}, nil
	default:
		return Header{}, ErrNoCorrelation
	}
}

// Encode places id into body according to the correlation layout. For
// CorrelationUint32 the body must already reserve the id bytes at Offset,
// for CorrelationSequence the sequence prefix is prepended.
func (d *Descriptor) Encode(id uint32, body []byte) ([]byte, error) {
	switch d.Correlation {
	case CorrelationUint32:
		if len(body) < d.Offset+4 {
			return nil, fmt.Errorf("commands: %v body too short for correlation id", d.Name)
		}
		out := make([]byte, len(body))
		copy(out, body)
		binary.BigEndian.PutUint32(out[d.Offset:], id)
		return out, nil
	case CorrelationSequence:
		out := make([]byte, 2+sequenceIDLength, 2+sequenceIDLength+len(body))
		binary.BigEndian.PutUint16(out, sequenceIDLength)
		binary.BigEndian.PutUint64(out[2:], uint64(id))
		return append(out, body...), nil
	default:
		return nil, fmt.Errorf("commands: %v is not a request kind", d.Name)
	}
}

// Roles names the kinds the session and its protocol clients send or react
// to.
type Roles struct {
	Login       Kind
	Welcome     Kind
	AuthFailure Kind
	Ping        Kind
	Pong        Kind
	CountryCode Kind

	MercuryRequest     Kind
	MercurySubscribe   Kind
	MercuryUnsubscribe Kind
	MercuryEvent       Kind

	KeyRequest Kind
	Key        Kind
	KeyError   Kind
}

func (r *Roles) kinds() []*Kind {
	return []*Kind{
		&r.Login, &r.Welcome, &r.AuthFailure, &r.Ping, &r.Pong, &r.CountryCode,
		&r.MercuryRequest, &r.MercurySubscribe, &r.MercuryUnsubscribe, &r.MercuryEvent,
		&r.KeyRequest, &r.Key, &r.KeyError,
	}
}

// remap points every role held by from at to.
func (r *Roles) remap(from, to Kind) {
	for _, k := range r.kinds() {
		if *k == from {
			*k = to
		}
	}
}

// Table maps kind codes to descriptors. A Table is immutable once built.
type Table struct {
	roles Roles
	descs map[Kind]Descriptor
}

// NewTable builds and validates a table.
func NewTable(roles Roles, descs ...Descriptor) (*Table, error) {
	t := &Table{
		roles: roles,
		descs: make(map[Kind]Descriptor, len(descs)),
	}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.descs[d.Kind]; dup {
			return nil, fmt.Errorf("%w: kind 0x%02x listed twice", errInvalidDescriptor, uint8(d.Kind))
		}
		t.descs[d.Kind] = d
	}

	check := func(name string, k Kind, want ...Class) error {
		d, ok := t.descs[k]
		if !ok {
			return fmt.Errorf("commands: %v role kind 0x%02x is not in the table", name, uint8(k))
		}
		for _, c := range want {
			if d.Class == c {
				return nil
			}
		}
		return fmt.Errorf("commands: %v role kind %v has class %v", name, d.Name, d.Class)
	}
	if err := check("login", roles.Login, ClassOutbound); err != nil {
		return nil, err
	}
	if err := check("welcome", roles.Welcome, ClassHandshake); err != nil {
		return nil, err
	}
	if err := check("auth failure", roles.AuthFailure, ClassHandshake); err != nil {
		return nil, err
	}
	if err := check("ping", roles.Ping, ClassControl); err != nil {
		return nil, err
	}
	if err := check("pong", roles.Pong, ClassOutbound); err != nil {
		return nil, err
	}
	if err := check("country code", roles.CountryCode, ClassPush); err != nil {
		return nil, err
	}

	correlated := func(name string, k Kind, want ...Class) error {
		if err := check(name, k, want...); err != nil {
			return err
		}
		if d := t.descs[k]; d.Correlation == CorrelationNone {
			return fmt.Errorf("commands: %v role kind %v carries no correlation id", name, d.Name)
		}
		return nil
	}
	for _, r := range []struct {
		name string
		kind Kind
	}{
		{"mercury request", roles.MercuryRequest},
		{"mercury subscribe", roles.MercurySubscribe},
		{"mercury unsubscribe", roles.MercuryUnsubscribe},
	} {
		if err := correlated(r.name, r.kind, ClassResponse); err != nil {
			return nil, err
		}
	}
	if err := correlated("mercury event", roles.MercuryEvent, ClassCorrelatedPush); err != nil {
		return nil, err
	}
	if err := correlated("key request", roles.KeyRequest, ClassOutbound); err != nil {
		return nil, err
	}
	if err := correlated("key", roles.Key, ClassResponse); err != nil {
		return nil, err
	}
	if err := correlated("key error", roles.KeyError, ClassResponse); err != nil {
		return nil, err
	}
	return t, nil
}

// Roles returns the session role kinds.
func (t *Table) Roles() Roles {
	return t.roles
}

// Lookup returns the descriptor for k.
func (t *Table) Lookup(k Kind) (Descriptor, bool) {
	d, ok := t.descs[k]
	return d, ok
}

// Name returns a printable name for k.
func (t *Table) Name(k Kind) string {
	if d, ok := t.descs[k]; ok {
		return d.Name
	}
	return fmt.Sprintf("0x%02x", uint8(k))
}

// Descriptors returns every descriptor ordered by kind.
func (t *Table) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(t.descs))
	for _, d := range t.descs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// With returns a copy of t with the given descriptors added or replaced.
// A descriptor named like an existing one under another code moves that
// kind, along with every role it held.
func (t *Table) With(descs ...Descriptor) (*Table, error) {
	roles := t.roles
	merged := make(map[Kind]Descriptor, len(t.descs)+len(descs))
	for k, d := range t.descs {
		merged[k] = d
	}
	for _, d := range descs {
		for k, old := range merged {
			if k != d.Kind && old.Name == d.Name {
				delete(merged, k)
				roles.remap(k, d.Kind)
			}
		}
		merged[d.Kind] = d
	}
	all := make([]Descriptor, 0, len(merged))
	for _, d := range merged {
		all = append(all, d)
	}
	return NewTable(roles, all...)
}

// DefaultRoles are the role kinds used by production access points.
var DefaultRoles = Roles{
	Login:       Login,
	Welcome:     APWelcome,
	AuthFailure: AuthFailure,
	Ping:        Ping,
	Pong:        Pong,
	CountryCode: CountryCode,

	MercuryRequest:     MercuryReq,
	MercurySubscribe:   MercurySub,
	MercuryUnsubscribe: MercuryUnsub,
	MercuryEvent:       MercuryEvent,

	KeyRequest: RequestKey,
	Key:        AESKey,
	KeyError:   AESKeyError,
}

// Channels.
const (
	ChannelMercury  = "mercury"
	ChannelAudioKey = "audiokey"
)

// DefaultDescriptors are the kinds used by production access points.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{Kind: SecretBlock, Name: "secret_block", Class: ClassPush},
		{Kind: Ping, Name: "ping", Class: ClassControl},
		{Kind: StreamChunk, Name: "stream_chunk", Class: ClassOutbound},
		{Kind: StreamChunkRes, Name: "stream_chunk_res", Class: ClassPush},
		{Kind: ChannelError, Name: "channel_error", Class: ClassPush},
		{Kind: ChannelAbort, Name: "channel_abort", Class: ClassPush},
		{Kind: RequestKey, Name: "request_key", Class: ClassOutbound, Correlation: CorrelationUint32, Offset: 36, Channel: ChannelAudioKey},
		{Kind: AESKey, Name: "aes_key", Class: ClassResponse, Correlation: CorrelationUint32, Channel: ChannelAudioKey},
		{Kind: AESKeyError, Name: "aes_key_error", Class: ClassResponse, Correlation: CorrelationUint32, Channel: ChannelAudioKey, Failure: true},
		{Kind: Image, Name: "image", Class: ClassPush},
		{Kind: CountryCode, Name: "country_code", Class: ClassPush},
		{Kind: Pong, Name: "pong", Class: ClassOutbound},
		{Kind: PongAck, Name: "pong_ack", Class: ClassPush},
		{Kind: Pause, Name: "pause", Class: ClassPush},
		{Kind: ProductInfo, Name: "product_info", Class: ClassPush},
		{Kind: LegacyWelcome, Name: "legacy_welcome", Class: ClassPush},
		{Kind: LicenseVersion, Name: "license_version", Class: ClassPush},
		{Kind: Login, Name: "login", Class: ClassOutbound},
		{Kind: APWelcome, Name: "ap_welcome", Class: ClassHandshake},
		{Kind: AuthFailure, Name: "auth_failure", Class: ClassHandshake},
		{Kind: MercuryReq, Name: "mercury_req", Class: ClassResponse, Correlation: CorrelationSequence, Channel: ChannelMercury},
		{Kind: MercurySub, Name: "mercury_sub", Class: ClassResponse, Correlation: CorrelationSequence, Channel: ChannelMercury},
		{Kind: MercuryUnsub, Name: "mercury_unsub", Class: ClassResponse, Correlation: CorrelationSequence, Channel: ChannelMercury},
		{Kind: MercuryEvent, Name: "mercury_event", Class: ClassCorrelatedPush, Correlation: CorrelationSequence, Channel: ChannelMercury},
	}
}

// DefaultTable returns the table used by production access points.
func DefaultTable() *Table {
	t, err := NewTable(DefaultRoles, DefaultDescriptors()...)
	if err != nil {
		panic("BUG: commands: invalid default table: " + err.Error())
	}
	return t
}
