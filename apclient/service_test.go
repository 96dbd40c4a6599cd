// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package apclient

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psstgo/psst/accesspoint"
	"github.com/psstgo/psst/config"
	"github.com/psstgo/psst/core/audiokey"
	"github.com/psstgo/psst/core/mercury"
	"github.com/psstgo/psst/core/wire"
)

func startServer(t *testing.T, cfg *accesspoint.Config) (*accesspoint.Server, string) {
	srv := accesspoint.New(cfg)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv, addr.String()
}

func testConfig(t *testing.T, addr, password, storeFile string) *config.Config {
	cfg, err := config.Load([]byte(fmt.Sprintf(`
[Session]
  DeviceID = "test-device"
  RequestTimeout = 5
  HandshakeTimeout = 5

[AccessPoint]
  Addresses = [%q]
  Fallback = %q
  DisableResolver = true

[Credentials]
  Username = "bob"
  Password = %q
  StoreFile = %q
`, addr, addr, password, storeFile)))
	require.NoError(t, err)
	return cfg
}

func newService(t *testing.T, cfg *config.Config) *Service {
	s, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func TestService(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var file audiokey.FileID
	file[0] = 0xaa
	want := audiokey.Key{0xff, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	srv, addr := startServer(t, &accesspoint.Config{
		Users:        map[string]string{"bob": "pw"},
		CountryCode:  "SE",
		PingInterval: -1,
		Keys:         map[audiokey.FileID]audiokey.Key{file: want},
		Resources: map[string]*mercury.Response{
			"hm://keymaster/token": {URI: "hm://keymaster/token", StatusCode: 200, Payload: [][]byte{[]byte("{}")}},
		},
	})

	storeFile := filepath.Join(t.TempDir(), "credentials.db")
	s := newService(t, testConfig(t, addr, "pw", storeFile))
	require.False(s.IsConnected())

	ctx := context.Background()
	sess, err := s.Connected(ctx)
	require.NoError(err)
	require.True(s.IsConnected())
	again, err := s.Connected(ctx)
	require.NoError(err)
	require.Same(sess, again)

	cc, err := s.CountryCode(ctx)
	require.NoError(err)
	require.Equal("SE", cc)

	mc, err := s.Mercury(ctx)
	require.NoError(err)
	resp, err := mc.Get(ctx, "hm://keymaster/token")
	require.NoError(err)
	require.Equal([][]byte{[]byte("{}")}, resp.Payload)

	track, err := audiokey.ParseURI("spotify:track:5sWHDYs0csV6RS48xBl0tH")
	require.NoError(err)
	key, err := s.AudioKey(ctx, track, file)
	require.NoError(err)
	require.Equal(want, key)

	// The welcome left reusable credentials in the store.
	creds, err := s.Credentials()
	require.NoError(err)
	require.Len(creds, 2)
	require.Equal(wire.AuthStoredCredentials, creds[0].AuthType)
	require.Equal(wire.AuthUserPass, creds[1].AuthType)

	// A dropped session is only replaced by the next call.
	srv.DropAll()
	require.Eventually(func() bool {
		return !s.IsConnected()
	}, 5*time.Second, 10*time.Millisecond)
	sess2, err := s.Connected(ctx)
	require.NoError(err)
	require.NotSame(sess, sess2)
	require.Equal("bob", sess2.Welcome().CanonicalUsername)
}

func TestServiceStaleCredentials(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	users := map[string]string{"bob": "pw"}
	_, addr := startServer(t, &accesspoint.Config{Users: users, PingInterval: -1})
	storeFile := filepath.Join(t.TempDir(), "credentials.db")
	s := newService(t, testConfig(t, addr, "pw", storeFile))

	ctx := context.Background()
	_, err := s.Connected(ctx)
	require.NoError(err)

	// Another access point does not know the stored token, the password
	// still works and replaces it.
	_, addr2 := startServer(t, &accesspoint.Config{Users: users, PingInterval: -1})
	require.NoError(s.UpdateConfig(testConfig(t, addr2, "pw", storeFile)))
	require.False(s.IsConnected())

	sess, err := s.Connected(ctx)
	require.NoError(err)
	require.Equal("bob", sess.Welcome().CanonicalUsername)

	creds, err := s.Credentials()
	require.NoError(err)
	require.Len(creds, 2)
	require.Equal(wire.AuthStoredCredentials, creds[0].AuthType)
}

// startBusyAP turns every connection away at the hello.
func startBusyAP(t *testing.T) (string, *atomic.Int32) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	dialed := new(atomic.Int32)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			dialed.Add(1)
			go func() {
				defer conn.Close()
				wire.AcceptKeys(conn, nil, func(*wire.ClientHello) *wire.APLoginFailed {
					return &wire.APLoginFailed{ErrorCode: wire.AuthTryAnotherAP}
				})
			}()
		}
	}()
	return l.Addr().String(), dialed
}

func TestServiceTryAnotherAP(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, good := startServer(t, &accesspoint.Config{
		Users:        map[string]string{"bob": "pw"},
		PingInterval: -1,
	})
	storeFile := filepath.Join(t.TempDir(), "credentials.db")
	s := newService(t, testConfig(t, good, "pw", storeFile))

	ctx := context.Background()
	_, err := s.Connected(ctx)
	require.NoError(err)
	creds, err := s.Credentials()
	require.NoError(err)
	require.Len(creds, 2)

	// Being sent away says nothing about the credentials.
	busy, dialed := startBusyAP(t)
	require.NoError(s.UpdateConfig(testConfig(t, busy, "pw", storeFile)))
	_, err = s.Connected(ctx)
	var ae *wire.AuthError
	require.ErrorAs(err, &ae)
	require.Equal(wire.AuthTryAnotherAP, ae.Code)
	require.EqualValues(1, dialed.Load())

	creds, err = s.Credentials()
	require.NoError(err)
	require.Len(creds, 2)
	require.Equal(wire.AuthStoredCredentials, creds[0].AuthType)

	// The next address is tried with the same credentials.
	cfg := testConfig(t, good, "pw", storeFile)
	cfg.AccessPoint.Addresses = []string{busy, good}
	require.NoError(s.UpdateConfig(cfg))
	sess, err := s.Connected(ctx)
	require.NoError(err)
	require.Equal("bob", sess.Welcome().CanonicalUsername)
	require.EqualValues(2, dialed.Load())

	creds, err = s.Credentials()
	require.NoError(err)
	require.Len(creds, 2)
	require.Equal(wire.AuthStoredCredentials, creds[0].AuthType)
}

func TestServiceRejected(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, addr := startServer(t, &accesspoint.Config{
		Users:        map[string]string{"bob": "pw"},
		PingInterval: -1,
	})
	s := newService(t, testConfig(t, addr, "wrong", ""))

	_, err := s.Connected(context.Background())
	var ae *wire.AuthError
	require.ErrorAs(err, &ae)
	require.False(s.IsConnected())

	s = newService(t, testConfig(t, addr, "", ""))
	_, err = s.Connected(context.Background())
	require.ErrorIs(err, errNoCredentials)
}

func TestServiceShutdown(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, addr := startServer(t, &accesspoint.Config{
		Users:        map[string]string{"bob": "pw"},
		PingInterval: -1,
	})
	cfg := testConfig(t, addr, "pw", "")
	s := newService(t, cfg)

	sess, err := s.Connected(context.Background())
	require.NoError(err)
	s.Shutdown()
	s.Shutdown()
	<-sess.CloseCh()

	_, err = s.Connected(context.Background())
	require.ErrorIs(err, ErrShutdown)
	_, err = s.Mercury(context.Background())
	require.ErrorIs(err, ErrShutdown)
	require.ErrorIs(s.UpdateConfig(cfg), ErrShutdown)
}
