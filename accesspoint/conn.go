// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package accesspoint

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/psstgo/psst/core/audiokey"
	"github.com/psstgo/psst/core/mercury"
	"github.com/psstgo/psst/core/wire"
	"github.com/psstgo/psst/core/wire/commands"
	"github.com/psstgo/psst/internal/instrument"
)

// KeyErrorUnknownFile is sent for files without a key.
const KeyErrorUnknownFile = 0x0001

var errNotLoggedIn = errors.New("accesspoint: connection not logged in")

type conn struct {
	s   *Server
	log *logging.Logger

	c  net.Conn
	e  *list.Element
	id uint64

	sync.Mutex
	stream   *wire.CipherStream
	username string
	loggedIn bool
	subs     map[string]struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newConn(s *Server, c net.Conn) *conn {
	id := s.connID.Add(1)
	return &conn{
		s:       s,
		log:     s.cfg.LogBackend.GetLogger(fmt.Sprintf("accesspoint/conn:%d", id)),
		c:       c,
		id:      id,
		subs:    make(map[string]struct{}),
		closeCh: make(chan struct{}),
	}
}

func (c *conn) worker() {
	var pingWg sync.WaitGroup
	defer func() {
		c.log.Debugf("Closing.")
		c.close()
		pingWg.Wait()
		c.s.onClosedConn(c)
	}()
	instrument.AccessPointConnection()
	roles := c.s.table.Roles()

	c.c.SetDeadline(time.Now().Add(c.s.cfg.HandshakeTimeout))
	stream, hello, err := wire.AcceptKeys(c.c, c.s.cfg.Handshake, nil)
	if err != nil {
		c.log.Errorf("Handshake failed: %v", err)
		return
	}
	c.Lock()
	c.stream = stream
	c.Unlock()
	c.log.Debugf("Key exchange completed, client version %d.", hello.BuildInfo.Version)

	req, err := wire.ReadLogin(stream, roles)
	if err != nil {
		c.log.Errorf("Failed to read login: %v", err)
		return
	}
	username, ok := c.s.authenticate(&req.Credentials)
	req.Credentials.Wipe()
	if !ok {
		c.log.Noticef("Rejecting login of '%v' (%v).", req.Credentials.Username, req.Credentials.AuthType)
		if err := wire.RejectLogin(stream, roles, wire.AuthBadCredentials, "bad credentials"); err != nil {
			c.log.Debugf("Failed to send rejection: %v", err)
		}
		return
	}
	token, err := c.s.issueToken(username)
	if err != nil {
		c.log.Errorf("Failed to issue token: %v", err)
		return
	}
	if err := wire.AcceptLogin(stream, roles, &wire.Welcome{
		CanonicalUsername: username,
		ReusableAuthType:  wire.AuthStoredCredentials,
		ReusableAuthData:  token,
	}); err != nil {
		c.log.Errorf("Failed to send welcome: %v", err)
		return
	}
	c.c.SetDeadline(time.Time{})

	c.Lock()
	c.username = username
	c.loggedIn = true
	c.Unlock()
	c.log.Noticef("Logged in '%v' from device '%v'.", username, req.SystemInfo.DeviceID)

	if cc := c.s.cfg.CountryCode; cc != "" {
		if err := c.send(roles.CountryCode, []byte(cc)); err != nil {
			return
		}
	}
	if c.s.cfg.PingInterval > 0 {
		pingWg.Add(1)
		go func() {
			defer pingWg.Done()
			c.pinger(c.s.cfg.PingInterval)
		}()
	}

	for {
		f, err := stream.Receive()
		if err != nil {
			c.log.Debugf("Receive failed: %v", err)
			return
		}
		c.onFrame(f)
	}
}

func (c *conn) pinger(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-t.C:
			if c.sendPing() != nil {
				return
			}
		}
	}
}

func (c *conn) onFrame(f *wire.Frame) {
	roles := c.s.table.Roles()
	switch f.Kind {
	case roles.Pong:
		c.log.Debugf("Received pong.")
	case roles.KeyRequest:
		c.onRequestKey(f.Payload)
	case roles.MercuryRequest, roles.MercurySubscribe, roles.MercuryUnsubscribe:
		c.onMercury(f.Kind, f.Payload)
	default:
		c.log.Debugf("Ignoring %v.", c.s.table.Name(f.Kind))
	}
}

func (c *conn) onRequestKey(payload []byte) {
	track, file, seq, err := audiokey.DecodeRequest(payload)
	if err != nil {
		c.log.Warningf("Dropping key request: %v", err)
		return
	}
	key, ok := c.s.key(file)
	if !ok {
		c.log.Debugf("No key for %v file %v.", track.Base16(), file)
		c.send(c.s.table.Roles().KeyError, audiokey.EncodeKeyError(seq, KeyErrorUnknownFile))
		return
	}
	c.send(c.s.table.Roles().Key, audiokey.EncodeKey(seq, key))
}

func (c *conn) onMercury(kind commands.Kind, payload []byte) {
	seq, req, err := mercury.DecodeRequest(payload)
	if err != nil {
		c.log.Warningf("Dropping mercury request: %v", err)
		return
	}
	c.log.Debugf("Mercury %v %v (seq %d).", req.Method, req.URI, seq)

	roles := c.s.table.Roles()
	resp := &mercury.Response{URI: req.URI, StatusCode: 200}
	switch kind {
	case roles.MercurySubscribe:
		c.Lock()
		c.subs[req.URI] = struct{}{}
		c.Unlock()
	case roles.MercuryUnsubscribe:
		c.Lock()
		delete(c.subs, req.URI)
		c.Unlock()
	default:
		switch req.Method {
		case mercury.MethodGet:
			if r, ok := c.s.resource(req.URI); ok {
				resp = r
			} else {
				resp.StatusCode = 404
			}
		case mercury.MethodSend:
			resp.Payload = req.Payload
		default:
			resp.StatusCode = 400
		}
	}

	payloads, err := mercury.EncodeResponse(seq, resp, c.s.cfg.MercuryFrameLimit)
	if err != nil {
		c.log.Errorf("Failed to encode mercury response: %v", err)
		return
	}
	c.sendAll(kind, payloads)
}

func (c *conn) isLoggedIn() bool {
	c.Lock()
	defer c.Unlock()
	return c.loggedIn
}

func (c *conn) subscribed(uri string) bool {
	c.Lock()
	defer c.Unlock()
	for prefix := range c.subs {
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}
	return false
}

func (c *conn) sendPing() error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(time.Now().Unix()))
	return c.send(c.s.table.Roles().Ping, b[:])
}

func (c *conn) sendAll(kind commands.Kind, payloads [][]byte) error {
	for _, p := range payloads {
		if err := c.send(kind, p); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) send(kind commands.Kind, payload []byte) error {
	c.Lock()
	stream := c.stream
	c.Unlock()
	if stream == nil {
		return errNotLoggedIn
	}
	if err := stream.Send(&wire.Frame{Kind: kind, Payload: payload}); err != nil {
		c.log.Debugf("Failed to send %v: %v", c.s.table.Name(kind), err)
		return err
	}
	return nil
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.Lock()
		defer c.Unlock()
		if c.stream != nil {
			c.stream.Close()
			return
		}
		c.c.Close()
	})
}
