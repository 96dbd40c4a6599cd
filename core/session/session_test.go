// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psstgo/psst/accesspoint"
	"github.com/psstgo/psst/core/mux"
	"github.com/psstgo/psst/core/wire"
	"github.com/psstgo/psst/core/wire/commands"
)

type stateRecorder struct {
	sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.Lock()
	defer r.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []State {
	r.Lock()
	defer r.Unlock()
	return append([]State(nil), r.states...)
}

// fakeAP drives the responder side by hand.
type fakeAP struct {
	stream *wire.CipherStream
	frames chan *wire.Frame
}

func startFakeAP(conn net.Conn) <-chan *fakeAP {
	ch := make(chan *fakeAP, 1)
	go func() {
		defer close(ch)
		roles := commands.DefaultRoles
		stream, _, err := wire.AcceptKeys(conn, nil, nil)
		if err != nil {
			return
		}
		req, err := wire.ReadLogin(stream, roles)
		if err != nil {
			return
		}
		if err := wire.AcceptLogin(stream, roles, &wire.Welcome{CanonicalUsername: req.Credentials.Username}); err != nil {
			return
		}
		ap := &fakeAP{stream: stream, frames: make(chan *wire.Frame, 64)}
		go ap.reader()
		ch <- ap
	}()
	return ch
}

func (ap *fakeAP) reader() {
	defer close(ap.frames)
	for {
		f, err := ap.stream.Receive()
		if err != nil {
			return
		}
		ap.frames <- f
	}
}

func (ap *fakeAP) next(t *testing.T) *wire.Frame {
	select {
	case f, ok := <-ap.frames:
		require.True(t, ok, "connection closed")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func (ap *fakeAP) send(t *testing.T, kind commands.Kind, payload []byte) {
	require.NoError(t, ap.stream.Send(&wire.Frame{Kind: kind, Payload: payload}))
}

func testConfig(rec *stateRecorder) *Config {
	cfg := &Config{
		Credentials:    wire.NewPasswordCredentials("alice", "hunter2"),
		RequestTimeout: 5 * time.Second,
	}
	if rec != nil {
		cfg.OnStateFn = rec.record
	}
	return cfg
}

// newFakeSession returns a Ready session talking to a fakeAP.
func newFakeSession(t *testing.T, cfg *Config) (*Session, *fakeAP) {
	s, err := New(cfg)
	require.NoError(t, err)
	c1, c2 := net.Pipe()
	apCh := startFakeAP(c2)
	require.NoError(t, s.Initialize(context.Background(), c1))
	ap, ok := <-apCh
	require.True(t, ok)
	t.Cleanup(func() {
		s.Close()
		ap.stream.Close()
	})
	return s, ap
}

func keyRequest() []byte {
	return make([]byte, 42)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv := accesspoint.New(&accesspoint.Config{
		Users:        map[string]string{"alice": "hunter2"},
		CountryCode:  "SE",
		PingInterval: -1,
	})
	defer srv.Shutdown()

	rec := new(stateRecorder)
	s, err := New(testConfig(rec))
	require.NoError(err)
	require.Equal(StateConnecting, s.State())
	require.Nil(s.Welcome())

	_, err = s.SendRequest(commands.RequestKey, keyRequest())
	require.ErrorIs(err, ErrNotReady)

	c1, c2 := net.Pipe()
	srv.ServeConn(c2)
	require.NoError(s.Initialize(context.Background(), c1))
	require.Equal(StateReady, s.State())
	require.Equal("alice", s.Welcome().CanonicalUsername)
	require.Equal(wire.AuthStoredCredentials, s.Welcome().ReusableAuthType)
	require.NotEmpty(s.Welcome().ReusableAuthData)

	s.Start()
	require.Eventually(func() bool {
		return s.CountryCode() == "SE"
	}, 5*time.Second, 10*time.Millisecond)

	s.Close()
	s.Close()
	<-s.CloseCh()
	require.Equal(StateClosed, s.State())
	require.ErrorIs(s.Err(), ErrSessionClosed)
	require.Equal([]State{StateKeyExchanging, StateAuthenticating, StateReady, StateClosed}, rec.get())

	_, err = s.SendRequest(commands.RequestKey, keyRequest())
	require.ErrorIs(err, ErrSessionClosed)
	require.ErrorIs(s.Poll(), ErrSessionClosed)
	require.Error(s.Initialize(context.Background(), c1))
}

func TestSessionAuthFailure(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv := accesspoint.New(&accesspoint.Config{
		Users:        map[string]string{"alice": "something else"},
		PingInterval: -1,
	})
	defer srv.Shutdown()

	rec := new(stateRecorder)
	s, err := New(testConfig(rec))
	require.NoError(err)

	c1, c2 := net.Pipe()
	srv.ServeConn(c2)
	err = s.Initialize(context.Background(), c1)
	var ae *wire.AuthError
	require.ErrorAs(err, &ae)
	require.Equal(wire.AuthBadCredentials, ae.Code)

	require.Equal(StateClosed, s.State())
	require.ErrorAs(s.Err(), &ae)
	require.Equal([]State{StateKeyExchanging, StateAuthenticating, StateClosed}, rec.get())
	require.Nil(s.Welcome())
}

func TestSessionHandshakeAborted(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, err := New(testConfig(nil))
	require.NoError(err)

	// Nobody answers on the other side.
	c1, c2 := net.Pipe()
	defer c2.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = s.Initialize(ctx, c1)
	require.ErrorIs(err, context.DeadlineExceeded)
	var he *wire.HandshakeError
	require.ErrorAs(err, &he)
	require.Equal(StateClosed, s.State())
}

func TestSessionPingPong(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, ap := newFakeSession(t, testConfig(nil))
	s.Start()

	ap.send(t, commands.Ping, []byte{0, 0, 0, 42})
	f := ap.next(t)
	require.Equal(commands.Pong, f.Kind)
	require.Equal([]byte{0, 0, 0, 0}, f.Payload)
	require.Equal(StateReady, s.State())

	// The acknowledgement is left to subscribers.
	sub, err := s.Subscribe(commands.PongAck, 1)
	require.NoError(err)
	defer sub.Close()
	ap.send(t, commands.PongAck, nil)
	select {
	case f := <-sub.C():
		require.Equal(commands.PongAck, f.Kind)
	case <-time.After(5 * time.Second):
		require.FailNow("pong_ack not delivered")
	}
}

func TestSessionRequestRouting(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, ap := newFakeSession(t, testConfig(nil))
	s.Start()

	p1, err := s.SendRequest(commands.RequestKey, keyRequest())
	require.NoError(err)
	p2, err := s.SendRequest(commands.RequestKey, keyRequest())
	require.NoError(err)
	require.NotEqual(p1.ID(), p2.ID())
	require.Equal(2, s.PendingRequests())

	seqOf := func(f *wire.Frame) uint32 {
		require.Equal(commands.RequestKey, f.Kind)
		return binary.BigEndian.Uint32(f.Payload[36:])
	}
	seq1 := seqOf(ap.next(t))
	seq2 := seqOf(ap.next(t))
	require.Equal(p1.ID(), seq1)
	require.Equal(p2.ID(), seq2)

	answer := func(seq uint32, fill byte) []byte {
		b := make([]byte, 20)
		binary.BigEndian.PutUint32(b, seq)
		for i := 4; i < len(b); i++ {
			b[i] = fill
		}
		return b
	}
	// Answered out of order, with noise in between.
	ap.send(t, commands.AESKey, answer(seq2+1000, 0xee))
	ap.send(t, commands.AESKey, answer(seq2, 2))
	ap.send(t, commands.AESKey, answer(seq1, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r1, err := p1.Wait(ctx)
	require.NoError(err)
	require.Equal(byte(1), r1.Final().Payload[4])
	r2, err := p2.Wait(ctx)
	require.NoError(err)
	require.Equal(byte(2), r2.Final().Payload[4])
	require.Zero(s.PendingRequests())
	require.Equal(StateReady, s.State())
}

func TestSessionRequestTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, ap := newFakeSession(t, testConfig(nil))
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Request(ctx, commands.RequestKey, keyRequest())
	require.ErrorIs(err, ErrTimeout)
	var te *mux.TimeoutError
	require.ErrorAs(err, &te)
	require.Zero(s.PendingRequests())

	// The late answer is dropped and the session survives.
	f := ap.next(t)
	b := make([]byte, 20)
	copy(b, f.Payload[36:40])
	ap.send(t, commands.AESKey, b)
	ap.send(t, commands.CountryCode, []byte("NO"))
	require.Eventually(func() bool {
		return s.CountryCode() == "NO"
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(StateReady, s.State())
}

func TestSessionCloseFailsPending(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, _ := newFakeSession(t, testConfig(nil))
	s.Start()

	var ps []*mux.Pending
	for i := 0; i < 5; i++ {
		p, err := s.SendRequest(commands.MercuryReq, []byte{commands.FlagFinal, 0, 0})
		require.NoError(err)
		ps = append(ps, p)
	}

	done := make(chan error, len(ps))
	for _, p := range ps {
		go func(p *mux.Pending) {
			_, err := p.Wait(context.Background())
			done <- err
		}(p)
	}
	s.Close()
	for range ps {
		require.ErrorIs(<-done, ErrSessionClosed)
	}
	require.Zero(s.PendingRequests())
}

func TestSessionRemoteClose(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	rec := new(stateRecorder)
	s, ap := newFakeSession(t, testConfig(rec))
	sub, err := s.Subscribe(commands.ProductInfo, 1)
	require.NoError(err)
	p, err := s.SendRequest(commands.RequestKey, keyRequest())
	require.NoError(err)
	s.Start()

	ap.next(t)
	ap.stream.Close()

	select {
	case <-s.CloseCh():
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed")
	}
	var pe *ProtocolError
	require.ErrorAs(s.Err(), &pe)
	var fe *wire.FrameError
	require.ErrorAs(s.Err(), &fe)

	_, err = p.Wait(context.Background())
	require.ErrorIs(err, ErrSessionClosed)
	_, ok := <-sub.C()
	require.False(ok)
	require.Equal(StateClosed, rec.get()[len(rec.get())-1])
}

func TestSessionPollDirect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, ap := newFakeSession(t, testConfig(nil))

	sub, err := s.Subscribe(commands.LicenseVersion, 1)
	require.NoError(err)

	go ap.send(t, commands.AESKey, make([]byte, 20))
	var ufe *mux.UnexpectedFrameError
	require.ErrorAs(s.Poll(), &ufe)
	require.Equal(StateReady, s.State())

	go ap.send(t, commands.LicenseVersion, []byte{0, 1})
	require.NoError(s.Poll())
	require.Equal([]byte{0, 1}, (<-sub.C()).Payload)

	// A second reader is refused while the first is blocked.
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Poll()
	}()
	require.Eventually(func() bool {
		return s.polling.Load()
	}, 5*time.Second, time.Millisecond)
	require.ErrorIs(s.Poll(), ErrConcurrentPoll)

	go ap.send(t, commands.CountryCode, []byte("FI"))
	require.NoError(<-errCh)
	require.Equal("FI", s.CountryCode())
}

func TestSessionRequestDefaultTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig(nil)
	cfg.RequestTimeout = 30 * time.Millisecond
	s, _ := newFakeSession(t, cfg)
	s.Start()

	_, err := s.Request(context.Background(), commands.RequestKey, keyRequest())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestDialConnectError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dialErr := errors.New("no route")
	cfg := testConfig(nil)
	cfg.DialContextFn = func(context.Context, string, string) (net.Conn, error) {
		return nil, dialErr
	}
	_, err := Dial(context.Background(), "ap.invalid:443", cfg)
	var ce *ConnectError
	require.ErrorAs(err, &ce)
	require.ErrorIs(err, dialErr)

	_, err = New(&Config{})
	require.Error(err)
}

func TestDialAccessPoint(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv := accesspoint.New(&accesspoint.Config{
		Users:        map[string]string{"alice": "hunter2"},
		PingInterval: -1,
	})
	defer srv.Shutdown()
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(err)

	s, err := Dial(context.Background(), addr.String(), testConfig(nil))
	require.NoError(err)
	s.Start()
	defer s.Close()
	require.Equal(StateReady, s.State())

	// The reusable credentials log in again.
	cfg := testConfig(nil)
	cfg.Credentials = s.Welcome().Credentials()
	s2, err := Dial(context.Background(), addr.String(), cfg)
	require.NoError(err)
	defer s2.Close()
	require.Equal("alice", s2.Welcome().CanonicalUsername)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ready", StateReady.String())
	require.Equal(t, "state(42)", State(42).String())
}
