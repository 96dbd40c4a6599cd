// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package mux routes decrypted frames to the requests awaiting them and to
// push subscribers.
package mux

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/psstgo/psst/core/wire"
	"github.com/psstgo/psst/core/wire/commands"
	"github.com/psstgo/psst/internal/instrument"
)

// DefaultMaxPending bounds the number of outstanding requests.
const DefaultMaxPending = 1 << 16

var (
	// ErrSessionClosed fails every request still pending when the session
	// goes away, and every later registration.
	ErrSessionClosed = errors.New("mux: session closed")

	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("mux: request timed out")

	// ErrNoFreeID is returned when the pending table is full.
	ErrNoFreeID = errors.New("mux: no free correlation id")

	errNotRequestKind = errors.New("mux: kind carries no correlation id")
)

// UnexpectedFrameError reports a frame that matched no route.  It is not
// fatal to the session.
type UnexpectedFrameError struct {
	Frame  *wire.Frame
	Name   string
	Reason string
}

func (e *UnexpectedFrameError) Error() string {
	return fmt.Sprintf("mux: unexpected %v (seq %d): %v", e.Name, e.Frame.Sequence, e.Reason)
}

// TimeoutError is a request whose deadline passed before its final
// response.
type TimeoutError struct {
	ID   uint32
	Kind commands.Kind
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mux: request %d of kind 0x%02x timed out: %v", e.ID, uint8(e.Kind), e.Err)
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// RemoteError is a request answered with a failure kind.
type RemoteError struct {
	Kind    commands.Kind
	Name    string
	Payload []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mux: request failed with %v", e.Name)
}

// Response holds every frame that answered a request, in arrival order.
// The last frame is the final one.
type Response struct {
	Frames []*wire.Frame
}

// Final returns the frame that completed the request.
func (r *Response) Final() *wire.Frame {
	return r.Frames[len(r.Frames)-1]
}

// Pending is an outstanding request.
type Pending struct {
	m       *Mux
	id      uint32
	kind    commands.Kind
	channel string
	started time.Time

	frames []*wire.Frame

	done chan struct{}
	resp *Response
	err  error
}

// ID returns the correlation id of the request.
func (p *Pending) ID() uint32 {
	return p.id
}

// Kind returns the request kind.
func (p *Pending) Kind() commands.Kind {
	return p.kind
}

// Done is closed once the request is completed, failed or cancelled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome.  It must only be called after Done is closed.
func (p *Pending) Result() (*Response, error) {
	return p.resp, p.err
}

// Wait blocks until the request completes or ctx is done, in which case the
// request is cancelled and a *TimeoutError returned.  A response racing
// the deadline wins if it was routed first.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
	}
	terr := &TimeoutError{ID: p.id, Kind: p.kind, Err: ctx.Err()}
	if !p.m.Cancel(p, terr) {
		<-p.done
	}
	return p.resp, p.err
}

// Cancel abandons the request.
func (p *Pending) Cancel() {
	p.m.Cancel(p, context.Canceled)
}

// complete must only be called by whoever removed p from the pending table.
func (p *Pending) complete(resp *Response, err error) {
	p.resp = resp
	p.err = err
	close(p.done)
}

// Subscription receives push frames of one kind.
type Subscription struct {
	m    *Mux
	kind commands.Kind
	ch   chan *wire.Frame
}

// C returns the delivery channel.  It is closed by Close and when the
// session goes away.
func (s *Subscription) C() <-chan *wire.Frame {
	return s.ch
}

// Kind returns the subscribed kind.
func (s *Subscription) Kind() commands.Kind {
	return s.kind
}

// Close stops delivery.
func (s *Subscription) Close() {
	s.m.Lock()
	defer s.m.Unlock()

	subs := s.m.subs[s.kind]
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	close(s.ch)
}

// Mux is the channel multiplexer.  Dispatch is meant to be driven by a
// single reader, the remaining methods are safe for concurrent use.
type Mux struct {
	sync.Mutex

	log   *logging.Logger
	table *commands.Table

	next       uint32
	maxPending int
	pending    map[uint32]*Pending
	subs       map[commands.Kind]map[*Subscription]struct{}
	closeErr   error
}

// New returns a Mux routing by table.  maxPending of zero selects
// DefaultMaxPending.
func New(table *commands.Table, maxPending int, log *logging.Logger) *Mux {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if uint64(maxPending) > math.MaxUint32 {
		maxPending = math.MaxUint32
	}
	return &Mux{
		log:        log,
		table:      table,
		maxPending: maxPending,
		pending:    make(map[uint32]*Pending),
		subs:       make(map[commands.Kind]map[*Subscription]struct{}),
	}
}

// Register allocates a correlation id for a request of kind.  Ids are
// handed out in increasing order, wrapping around and skipping ids still
// pending.
func (m *Mux) Register(kind commands.Kind) (*Pending, error) {
	desc, ok := m.table.Lookup(kind)
	if !ok || desc.Correlation == commands.CorrelationNone {
		return nil, fmt.Errorf("%w: %v", errNotRequestKind, m.table.Name(kind))
	}

	m.Lock()
	defer m.Unlock()

	if m.closeErr != nil {
		return nil, m.closeErr
	}
	if len(m.pending) >= m.maxPending {
		return nil, ErrNoFreeID
	}

	id := m.next
	for {
		if _, busy := m.pending[id]; !busy {
			break
		}
		id++
	}
	m.next = id + 1

	p := &Pending{
		m:       m,
		id:      id,
		kind:    kind,
		channel: desc.Channel,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	m.pending[id] = p
	instrument.PendingRequests(len(m.pending))
	return p, nil
}

// Cancel completes p with err, unless it already completed.  It reports
// whether it did.  Once p completed its id may be handed out again, so only
// the entry still holding p is removed.
func (m *Mux) Cancel(p *Pending, err error) bool {
	m.Lock()
	ok := m.pending[p.id] == p
	if ok {
		delete(m.pending, p.id)
		instrument.PendingRequests(len(m.pending))
	}
	m.Unlock()

	if !ok {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		instrument.RequestTimeout(m.table.Name(p.kind))
	}
	p.complete(nil, err)
	return true
}

// Len returns the number of pending requests.
func (m *Mux) Len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.pending)
}

// Subscribe delivers push frames of kind on a channel with room for buffer
// frames.  Frames arriving while the channel is full are dropped.
func (m *Mux) Subscribe(kind commands.Kind, buffer int) (*Subscription, error) {
	if _, ok := m.table.Lookup(kind); !ok {
		return nil, fmt.Errorf("mux: cannot subscribe to unknown kind 0x%02x", uint8(kind))
	}

	m.Lock()
	defer m.Unlock()

	if m.closeErr != nil {
		return nil, m.closeErr
	}
	s := &Subscription{
		m:    m,
		kind: kind,
		ch:   make(chan *wire.Frame, buffer),
	}
	if m.subs[kind] == nil {
		m.subs[kind] = make(map[*Subscription]struct{})
	}
	m.subs[kind][s] = struct{}{}
	return s, nil
}

// Dispatch routes one inbound frame.  A frame that matches no route yields
// an *UnexpectedFrameError and changes no state.
func (m *Mux) Dispatch(f *wire.Frame) error {
	desc, ok := m.table.Lookup(f.Kind)
	if !ok {
		return m.unexpected(f, m.table.Name(f.Kind), "unknown kind")
	}

	switch desc.Class {
	case commands.ClassResponse:
		if m.route(&desc, f) {
			return nil
		}
		return m.unexpected(f, desc.Name, "no matching request")
	case commands.ClassCorrelatedPush:
		if m.route(&desc, f) {
			return nil
		}
		m.publish(&desc, f)
		return nil
	case commands.ClassPush:
		m.publish(&desc, f)
		return nil
	case commands.ClassOutbound, commands.ClassControl, commands.ClassHandshake:
		return m.unexpected(f, desc.Name, fmt.Sprintf("%v kind", desc.Class))
	default:
		return m.unexpected(f, desc.Name, fmt.Sprintf("unroutable %v", desc.Class))
	}
}

func (m *Mux) unexpected(f *wire.Frame, name, reason string) error {
	instrument.UnexpectedFrame(name)
	return &UnexpectedFrameError{Frame: f, Name: name, Reason: reason}
}

// route hands f to the request it answers, if there is one.
func (m *Mux) route(desc *commands.Descriptor, f *wire.Frame) bool {
	hdr, err := desc.Decode(f.Payload)
	if err != nil {
		return false
	}

	m.Lock()
	p, ok := m.pending[hdr.ID]
	if !ok || p.channel != desc.Channel {
		m.Unlock()
		return false
	}
	p.frames = append(p.frames, f)
	if !hdr.Final {
		m.Unlock()
		return true
	}
	delete(m.pending, hdr.ID)
	instrument.PendingRequests(len(m.pending))
	m.Unlock()

	instrument.RequestDuration(m.table.Name(p.kind), time.Since(p.started))
	resp := &Response{Frames: p.frames}
	if desc.Failure {
		p.complete(resp, &RemoteError{Kind: f.Kind, Name: desc.Name, Payload: f.Payload})
		return true
	}
	p.complete(resp, nil)
	return true
}

// publish delivers f to the subscribers of its kind without blocking.
func (m *Mux) publish(desc *commands.Descriptor, f *wire.Frame) {
	m.Lock()
	defer m.Unlock()

	subs := m.subs[f.Kind]
	if len(subs) == 0 {
		if m.log != nil {
			m.log.Debugf("No subscriber for %v, dropping.", desc.Name)
		}
		return
	}
	for s := range subs {
		select {
		case s.ch <- f:
		default:
			instrument.PushDropped(desc.Name)
			if m.log != nil {
				m.log.Warningf("Subscriber for %v is full, dropping frame %d.", desc.Name, f.Sequence)
			}
		}
	}
}

// FailAll fails every pending request with err, closes every subscription
// and refuses later registrations.  Only the first call has an effect.
func (m *Mux) FailAll(err error) {
	m.Lock()
	if m.closeErr != nil {
		m.Unlock()
		return
	}
	m.closeErr = err
	pending := m.pending
	m.pending = make(map[uint32]*Pending)
	for _, subs := range m.subs {
		for s := range subs {
			close(s.ch)
		}
	}
	m.subs = make(map[commands.Kind]map[*Subscription]struct{})
	instrument.PendingRequests(0)
	m.Unlock()

	for _, p := range pending {
		p.complete(nil, err)
	}
}
