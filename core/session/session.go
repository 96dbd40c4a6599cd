// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session implements an authenticated access point session: the
// connection lifecycle, the reader loop and request/response correlation.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/psstgo/psst/core/log"
	"github.com/psstgo/psst/core/mux"
	"github.com/psstgo/psst/core/wire"
	"github.com/psstgo/psst/core/wire/commands"
	"github.com/psstgo/psst/core/worker"
	"github.com/psstgo/psst/internal/instrument"
)

const (
	// DefaultDeviceID is sent with the login when none is configured.
	DefaultDeviceID = "Psst"

	// DefaultRequestTimeout bounds Request when the caller sets no deadline.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultHandshakeTimeout bounds the key exchange and login.
	DefaultHandshakeTimeout = 1 * time.Minute

	keepAliveInterval = 3 * time.Minute
	connectTimeout    = 1 * time.Minute
)

var defaultDialer = net.Dialer{
	KeepAlive: keepAliveInterval,
	Timeout:   connectTimeout,
}

// State is the lifecycle state of a Session.  States only ever advance.
type State int32

const (
	StateConnecting State = iota
	StateKeyExchanging
	StateAuthenticating
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateKeyExchanging:
		return "key_exchanging"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config is the configuration of a Session.
type Config struct {
	// Credentials log the session in.  Required.
	Credentials *wire.Credentials

	// DeviceID identifies this client to the access point.
	DeviceID string

	// Handshake parameterizes the key exchange, defaults if nil.
	Handshake *wire.HandshakeConfig

	// Table describes the frame kinds, commands.DefaultTable() if nil.
	Table *commands.Table

	// RequestTimeout bounds Request calls whose context has no deadline.
	RequestTimeout time.Duration

	// HandshakeTimeout bounds Initialize.
	HandshakeTimeout time.Duration

	// MaxPending bounds the outstanding requests.
	MaxPending int

	// LogBackend is the logging backend, logging is disabled if nil.
	LogBackend *log.Backend

	// OnStateFn is called on every state transition, from whichever
	// goroutine caused it.  It must not call Close.
	OnStateFn func(State)

	// DialContextFn is used by Dial, net.Dialer if nil.
	DialContextFn func(ctx context.Context, network, address string) (net.Conn, error)
}

// Session is an access point session.
type Session struct {
	worker.Worker

	cfg   Config
	log   *logging.Logger
	table *commands.Table
	mux   *mux.Mux

	state   atomic.Int32
	polling atomic.Bool

	connLock sync.Mutex
	conn     net.Conn
	stream   *wire.CipherStream

	welcome *wire.Welcome

	countryLock sync.RWMutex
	country     string

	closeOnce sync.Once
	errLock   sync.Mutex
	err       error
	closedCh  chan struct{}
}

// New creates a Session in StateConnecting.
func New(cfg *Config) (*Session, error) {
	if cfg == nil || cfg.Credentials == nil {
		return nil, errors.New("session: missing credentials")
	}

	s := &Session{
		cfg:      *cfg,
		closedCh: make(chan struct{}),
	}
	if s.cfg.DeviceID == "" {
		s.cfg.DeviceID = DefaultDeviceID
	}
	if s.cfg.RequestTimeout <= 0 {
		s.cfg.RequestTimeout = DefaultRequestTimeout
	}
	if s.cfg.HandshakeTimeout <= 0 {
		s.cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.cfg.LogBackend == nil {
		s.cfg.LogBackend = log.NewDisabled()
	}
	s.table = s.cfg.Table
	if s.table == nil {
		s.table = commands.DefaultTable()
	}
	s.log = s.cfg.LogBackend.GetLogger("session")
	s.mux = mux.New(s.table, s.cfg.MaxPending, s.cfg.LogBackend.GetLogger("mux"))
	return s, nil
}

// Dial connects to addr and runs Initialize.  The returned session is
// Ready.
func Dial(ctx context.Context, addr string, cfg *Config) (*Session, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}

	dialFn := s.cfg.DialContextFn
	if dialFn == nil {
		dialFn = defaultDialer.DialContext
	}
	s.log.Debugf("Dialing: %v", addr)
	conn, err := dialFn(ctx, "tcp", addr)
	if err != nil {
		cerr := &ConnectError{Err: err}
		s.closeWith(cerr)
		return nil, cerr
	}
	if err := s.Initialize(ctx, conn); err != nil {
		return nil, err
	}
	return s, nil
}

// Initialize runs the key exchange and login over conn, leaving the session
// Ready.  On failure the session is Closed and conn is closed.
func (s *Session) Initialize(ctx context.Context, conn net.Conn) error {
	if s.State() != StateConnecting {
		conn.Close()
		return fmt.Errorf("session: Initialize in state %v", s.State())
	}
	s.connLock.Lock()
	s.conn = conn
	s.connLock.Unlock()

	// ctx aborts blocked I/O through the AfterFunc, so ctx.Err() is set
	// by the time the I/O fails.
	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	fail := func(err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("session: handshake aborted: %w: %w", ctxErr, err)
		}
		s.log.Errorf("Handshake failed: %v", err)
		instrument.HandshakeFailure()
		s.closeWith(err)
		return err
	}

	if !s.setState(StateKeyExchanging) {
		return ErrSessionClosed
	}
	stream, err := wire.ExchangeKeys(conn, s.cfg.Handshake)
	if err != nil {
		return fail(err)
	}
	s.connLock.Lock()
	s.stream = stream
	s.connLock.Unlock()
	s.log.Debugf("Key exchange completed.")

	if !s.setState(StateAuthenticating) {
		return ErrSessionClosed
	}
	welcome, err := wire.Login(stream, s.table.Roles(), &wire.LoginRequest{
		Credentials: *s.cfg.Credentials,
		SystemInfo: wire.SystemInfo{
			OS:       runtime.GOOS,
			CPU:      runtime.GOARCH,
			DeviceID: s.cfg.DeviceID,
		},
	})
	if err != nil {
		return fail(err)
	}
	if !stop() && ctx.Err() != nil {
		return fail(ctx.Err())
	}
	conn.SetDeadline(time.Time{})

	s.welcome = welcome
	if !s.setState(StateReady) {
		return ErrSessionClosed
	}
	s.log.Noticef("Logged in as %v.", welcome.CanonicalUsername)
	return nil
}

func (s *Session) setState(st State) bool {
	for {
		cur := State(s.state.Load())
		if st <= cur {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(st)) {
			break
		}
	}
	s.log.Debugf("State: %v", st)
	instrument.SessionState(st.String())
	if fn := s.cfg.OnStateFn; fn != nil {
		fn(st)
	}
	return true
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns what closed the session, nil while it is open.
func (s *Session) Err() error {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	return s.err
}

// CloseCh is closed once the session is Closed.
func (s *Session) CloseCh() <-chan struct{} {
	return s.closedCh
}

// Welcome returns the access point's login acceptance, nil before Ready.
func (s *Session) Welcome() *wire.Welcome {
	if s.State() < StateReady {
		return nil
	}
	return s.welcome
}

// CountryCode returns the last country code pushed by the access point.
func (s *Session) CountryCode() string {
	s.countryLock.RLock()
	defer s.countryLock.RUnlock()
	return s.country
}

// Table returns the kind table the session routes by.
func (s *Session) Table() *commands.Table {
	return s.table
}

// RequestTimeout returns the default request timeout.
func (s *Session) RequestTimeout() time.Duration {
	return s.cfg.RequestTimeout
}

// PendingRequests returns the number of outstanding requests.
func (s *Session) PendingRequests() int {
	return s.mux.Len()
}

func (s *Session) ready() error {
	switch s.State() {
	case StateReady:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotReady
	}
}

// Send writes a frame that expects no correlated answer.
func (s *Session) Send(kind commands.Kind, payload []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.stream.Send(&wire.Frame{Kind: kind, Payload: payload}); err != nil {
		if errors.Is(err, wire.ErrPayloadSize) {
			return err
		}
		if s.State() == StateClosed {
			return ErrSessionClosed
		}
		perr := &ProtocolError{Err: err}
		s.closeWith(perr)
		return perr
	}
	instrument.FrameSent(s.table.Name(kind))
	return nil
}

// SendRequest registers a request of kind, embeds its correlation id in
// body and sends it.  The caller waits on the returned Pending.
func (s *Session) SendRequest(kind commands.Kind, body []byte) (*mux.Pending, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	desc, ok := s.table.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("session: unknown kind 0x%02x", uint8(kind))
	}
	p, err := s.mux.Register(kind)
	if err != nil {
		return nil, err
	}
	payload, err := desc.Encode(p.ID(), body)
	if err != nil {
		s.mux.Cancel(p, err)
		return nil, err
	}
	if err := s.Send(kind, payload); err != nil {
		s.mux.Cancel(p, err)
		return nil, err
	}
	return p, nil
}

// Request is SendRequest followed by a wait for the final response.  If ctx
// carries no deadline the configured request timeout applies.
func (s *Session) Request(ctx context.Context, kind commands.Kind, body []byte) (*mux.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	p, err := s.SendRequest(kind, body)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Subscribe delivers pushes of kind.  Subscribing before Ready is allowed so
// that nothing sent right after the login is missed.
func (s *Session) Subscribe(kind commands.Kind, buffer int) (*mux.Subscription, error) {
	return s.mux.Subscribe(kind, buffer)
}

// Poll reads and handles one frame.  Only one Poll may run at a time, a
// concurrent call fails with ErrConcurrentPoll.  An *mux.UnexpectedFrameError
// is informational, any other error means the session is Closed.
func (s *Session) Poll() error {
	if !s.polling.CompareAndSwap(false, true) {
		return ErrConcurrentPoll
	}
	defer s.polling.Store(false)

	if err := s.ready(); err != nil {
		return err
	}
	f, err := s.stream.Receive()
	if err != nil {
		if s.State() == StateClosed {
			return ErrSessionClosed
		}
		s.log.Debugf("Failed to receive frame: %v", err)
		perr := &ProtocolError{Err: err}
		s.closeWith(perr)
		return perr
	}
	instrument.FrameReceived(s.table.Name(f.Kind))
	return s.handle(f)
}

func (s *Session) handle(f *wire.Frame) error {
	roles := s.table.Roles()
	desc, ok := s.table.Lookup(f.Kind)
	if ok && desc.Class == commands.ClassControl {
		switch f.Kind {
		case roles.Ping:
			s.log.Debugf("Received ping, sending pong.")
			return s.Send(roles.Pong, make([]byte, 4))
		default:
			s.log.Debugf("Received %v.", desc.Name)
			return nil
		}
	}

	if f.Kind == roles.CountryCode {
		s.countryLock.Lock()
		s.country = string(f.Payload)
		s.countryLock.Unlock()
		s.log.Debugf("Country code: %v", s.country)
	}

	err := s.mux.Dispatch(f)
	var ufe *mux.UnexpectedFrameError
	if errors.As(err, &ufe) {
		s.log.Warningf("Dropping frame: %v", ufe)
	}
	return err
}

// Start runs Poll in a background worker until the session closes.  Poll
// must not be called directly once Start was called.
func (s *Session) Start() {
	s.Go(s.reader)
}

func (s *Session) reader() {
	defer s.log.Debugf("Terminating reader.")
	for {
		err := s.Poll()
		var ufe *mux.UnexpectedFrameError
		switch {
		case err == nil, errors.As(err, &ufe):
		case errors.Is(err, ErrSessionClosed):
			return
		default:
			s.log.Debugf("Reader stopping: %v", err)
			return
		}
	}
}

// Close closes the session, failing every pending request.  It may be
// called more than once, and from any goroutine but the one running
// OnStateFn.
func (s *Session) Close() {
	s.closeWith(ErrSessionClosed)
	s.Halt()
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.errLock.Lock()
		s.err = cause
		s.errLock.Unlock()

		s.setState(StateClosed)

		s.connLock.Lock()
		switch {
		case s.stream != nil:
			s.stream.Close()
		case s.conn != nil:
			s.conn.Close()
		}
		s.connLock.Unlock()

		s.mux.FailAll(ErrSessionClosed)
		s.Signal()
		close(s.closedCh)
		s.log.Debugf("Session closed: %v", cause)
	})
}
