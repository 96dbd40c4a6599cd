// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package accesspoint

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psstgo/psst/core/audiokey"
	"github.com/psstgo/psst/core/log"
	"github.com/psstgo/psst/core/mercury"
	"github.com/psstgo/psst/core/session"
	"github.com/psstgo/psst/core/wire"
	"github.com/psstgo/psst/core/wire/commands"
)

func startServer(t *testing.T, cfg *Config) (*Server, string) {
	srv := New(cfg)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv, addr.String()
}

func dial(t *testing.T, addr string, creds *wire.Credentials) *session.Session {
	s, err := session.Dial(context.Background(), addr, &session.Config{
		Credentials:    creds,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func TestMercury(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	big := bytes.Repeat([]byte("0123456789"), 2000)
	srv, addr := startServer(t, &Config{
		Users:             map[string]string{"bob": "pw"},
		PingInterval:      -1,
		MercuryFrameLimit: 512,
		Resources: map[string]*mercury.Response{
			"hm://metadata/3/track/x": {
				URI:         "hm://metadata/3/track/x",
				StatusCode:  200,
				ContentType: "application/octet-stream",
				Payload:     [][]byte{big},
			},
		},
	})
	s := dial(t, addr, wire.NewPasswordCredentials("bob", "pw"))
	mc := mercury.NewClient(s, log.NewDisabled().GetLogger("mercury"))
	defer mc.Close()
	ctx := context.Background()

	resp, err := mc.Get(ctx, "hm://metadata/3/track/x")
	require.NoError(err)
	require.Equal(int32(200), resp.StatusCode)
	require.Equal([][]byte{big}, resp.Payload)

	_, err = mc.Get(ctx, "hm://metadata/3/track/missing")
	var se *mercury.StatusError
	require.ErrorAs(err, &se)
	require.Equal(int32(404), se.StatusCode)

	resp, err = mc.Send(ctx, "hm://echo", []byte("ping"))
	require.NoError(err)
	require.Equal([][]byte{[]byte("ping")}, resp.Payload)

	srv.SetResource(&mercury.Response{URI: "hm://late", StatusCode: 200})
	_, err = mc.Get(ctx, "hm://late")
	require.NoError(err)

	sub, err := mc.Subscribe(ctx, "hm://pusher/")
	require.NoError(err)
	n, err := srv.Publish(&mercury.Response{URI: "hm://pusher/x", Payload: [][]byte{big}})
	require.NoError(err)
	require.Equal(1, n)
	n, err = srv.Publish(&mercury.Response{URI: "hm://elsewhere"})
	require.NoError(err)
	require.Zero(n)

	select {
	case ev := <-sub.C():
		require.Equal("hm://pusher/x", ev.URI)
		require.Equal([][]byte{big}, ev.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(mc.Unsubscribe(ctx, "hm://pusher/"))
	require.Eventually(func() bool {
		n, err := srv.Publish(&mercury.Response{URI: "hm://pusher/y"})
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAudioKeys(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var file audiokey.FileID
	file[19] = 1
	want := audiokey.Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	_, addr := startServer(t, &Config{
		Users:        map[string]string{"bob": "pw"},
		PingInterval: -1,
		Keys:         map[audiokey.FileID]audiokey.Key{file: want},
	})
	s := dial(t, addr, wire.NewPasswordCredentials("bob", "pw"))
	kc := audiokey.NewClient(s, log.NewDisabled().GetLogger("audiokey"))

	track, err := audiokey.ParseURI("spotify:track:5sWHDYs0csV6RS48xBl0tH")
	require.NoError(err)

	key, err := kc.Request(context.Background(), track, file)
	require.NoError(err)
	require.Equal(want, key)

	_, err = kc.Request(context.Background(), track, audiokey.FileID{})
	var ke *audiokey.KeyError
	require.ErrorAs(err, &ke)
	require.Equal(uint16(KeyErrorUnknownFile), ke.Code)
	require.Zero(s.PendingRequests())
}

func TestLoginAndPush(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv, addr := startServer(t, &Config{
		Users:        map[string]string{"bob": "pw"},
		CountryCode:  "GB",
		PingInterval: 20 * time.Millisecond,
	})

	_, err := session.Dial(context.Background(), addr, &session.Config{
		Credentials: wire.NewPasswordCredentials("bob", "wrong"),
	})
	var ae *wire.AuthError
	require.ErrorAs(err, &ae)

	_, err = session.Dial(context.Background(), addr, &session.Config{
		Credentials: &wire.Credentials{Username: "bob", AuthType: wire.AuthStoredCredentials, AuthData: []byte("forged")},
	})
	require.ErrorAs(err, &ae)

	s := dial(t, addr, wire.NewPasswordCredentials("bob", "pw"))
	require.Eventually(func() bool {
		return s.CountryCode() == "GB"
	}, 5*time.Second, 10*time.Millisecond)

	sub, err := s.Subscribe(commands.ProductInfo, 1)
	require.NoError(err)
	srv.Push(commands.ProductInfo, []byte("<products/>"))
	select {
	case f := <-sub.C():
		require.Equal([]byte("<products/>"), f.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("push not delivered")
	}

	// Pings are answered by the session without disturbing it.
	time.Sleep(100 * time.Millisecond)
	require.Equal(session.StateReady, s.State())

	s2 := dial(t, addr, s.Welcome().Credentials())
	require.Equal("bob", s2.Welcome().CanonicalUsername)
	require.Equal(2, srv.Conns())

	srv.DropAll()
	select {
	case <-s.CloseCh():
	case <-time.After(5 * time.Second):
		t.Fatal("session survived the connection drop")
	}
	var pe *session.ProtocolError
	require.ErrorAs(s.Err(), &pe)
	require.Eventually(func() bool {
		return srv.Conns() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv := New(&Config{PingInterval: -1})
	_, err := srv.Listen("127.0.0.1:0")
	require.NoError(err)
	srv.Shutdown()
	srv.Shutdown()

	_, err = srv.Listen("127.0.0.1:0")
	require.ErrorIs(err, ErrServerClosed)
}

func TestCanonicalUsername(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	srv, addr := startServer(t, &Config{
		Users:        map[string]string{"Bob": "pw"},
		PingInterval: -1,
	})
	require.Error(srv.AddUser("", "pw"))
	require.NoError(srv.AddUser("ALICE", "pw2"))

	s := dial(t, addr, wire.NewPasswordCredentials("BOB", "pw"))
	require.Equal("bob", s.Welcome().CanonicalUsername)
	s = dial(t, addr, wire.NewPasswordCredentials("alice", "pw2"))
	require.Equal("alice", s.Welcome().CanonicalUsername)

	_, err := session.Dial(context.Background(), addr, &session.Config{
		Credentials: wire.NewPasswordCredentials("alice", "pw"),
	})
	var ae *wire.AuthError
	require.ErrorAs(err, &ae)
}
