// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package accesspoint implements an access point emulator: the responder
// side of the handshake and login, mercury resources and audio keys.
package accesspoint

import (
	"container/list"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/secure/precis"
	"gopkg.in/op/go-logging.v1"

	"github.com/psstgo/psst/core/audiokey"
	"github.com/psstgo/psst/core/log"
	"github.com/psstgo/psst/core/mercury"
	"github.com/psstgo/psst/core/wire"
	"github.com/psstgo/psst/core/wire/commands"
	"github.com/psstgo/psst/core/worker"
)

const (
	// DefaultPingInterval is how often connections are pinged.
	DefaultPingInterval = 2 * time.Minute

	// DefaultHandshakeTimeout bounds the key exchange and login.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultMercuryFrameLimit caps the size of mercury response frames.
	DefaultMercuryFrameLimit = 4096

	keepAliveInterval = 3 * time.Minute
	tokenLength       = 32

	// Events use sequences no client request can collide with.
	eventSeqBase = uint64(1) << 40
)

// ErrServerClosed is returned by Listen after Shutdown.
var ErrServerClosed = errors.New("accesspoint: server closed")

// Config is the configuration of a Server.
type Config struct {
	// Users maps usernames to passwords.
	Users map[string]string

	// CountryCode is pushed right after a successful login, if set.
	CountryCode string

	// Resources answers mercury GET requests by URI.
	Resources map[string]*mercury.Response

	// Keys answers audio key requests by file.
	Keys map[audiokey.FileID]audiokey.Key

	// PingInterval is the interval between pings, DefaultPingInterval
	// if zero, never if negative.
	PingInterval time.Duration

	// HandshakeTimeout bounds the key exchange and login.
	HandshakeTimeout time.Duration

	// MercuryFrameLimit caps mercury response frames.
	MercuryFrameLimit int

	// Handshake parameterizes the key exchange, defaults if nil.
	Handshake *wire.HandshakeConfig

	// Table describes the frame kinds, commands.DefaultTable() if nil.
	Table *commands.Table

	// LogBackend is the logging backend, logging is disabled if nil.
	LogBackend *log.Backend
}

// Server is an access point emulator.
type Server struct {
	sync.Mutex
	worker.Worker

	cfg   Config
	log   *logging.Logger
	table *commands.Table

	listeners []net.Listener
	conns     *list.List
	connWg    sync.WaitGroup
	closed    bool

	users     map[string]string
	tokens    map[string]string
	resources map[string]*mercury.Response
	keys      map[audiokey.FileID]audiokey.Key

	connID   atomic.Uint64
	eventSeq atomic.Uint64
}

// New creates a Server.
func New(cfg *Config) *Server {
	s := &Server{
		cfg:       *cfg,
		conns:     list.New(),
		users:     make(map[string]string),
		tokens:    make(map[string]string),
		resources: make(map[string]*mercury.Response),
		keys:      make(map[audiokey.FileID]audiokey.Key),
	}
	if s.cfg.PingInterval == 0 {
		s.cfg.PingInterval = DefaultPingInterval
	}
	if s.cfg.HandshakeTimeout <= 0 {
		s.cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.cfg.MercuryFrameLimit <= 0 {
		s.cfg.MercuryFrameLimit = DefaultMercuryFrameLimit
	}
	if s.cfg.LogBackend == nil {
		s.cfg.LogBackend = log.NewDisabled()
	}
	s.table = s.cfg.Table
	if s.table == nil {
		s.table = commands.DefaultTable()
	}
	s.log = s.cfg.LogBackend.GetLogger("accesspoint")

	for k, v := range s.cfg.Users {
		if err := s.AddUser(k, v); err != nil {
			s.log.Warningf("Skipping user: %v", err)
		}
	}
	for k, v := range s.cfg.Resources {
		s.resources[k] = v
	}
	for k, v := range s.cfg.Keys {
		s.keys[k] = v
	}
	s.eventSeq.Store(eventSeqBase)
	return s
}

// AddUser adds or replaces a user.  Usernames are case mapped, logins
// as "Bob" and "bob" are the same user.
func (s *Server) AddUser(username, password string) error {
	name, err := canonicalUsername(username)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.users[name] = password
	return nil
}

func canonicalUsername(username string) (string, error) {
	name, err := precis.UsernameCaseMapped.String(username)
	if err != nil {
		return "", fmt.Errorf("accesspoint: invalid username '%v': %v", username, err)
	}
	return name, nil
}

// SetResource sets the response to GET requests for resp.URI.
func (s *Server) SetResource(resp *mercury.Response) {
	s.Lock()
	defer s.Unlock()
	s.resources[resp.URI] = resp
}

// SetKey sets the audio key of file.
func (s *Server) SetKey(file audiokey.FileID, key audiokey.Key) {
	s.Lock()
	defer s.Unlock()
	s.keys[file] = key
}

// Listen accepts connections on addr until Shutdown.  It returns the bound
// address.
func (s *Server) Listen(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.Lock()
	if s.closed {
		s.Unlock()
		l.Close()
		return nil, ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	s.Unlock()

	s.Go(func() {
		s.acceptWorker(l)
	})
	return l.Addr(), nil
}

func (s *Server) acceptWorker(l net.Listener) {
	addr := l.Addr()
	s.log.Noticef("Listening on: %v", addr)
	defer func() {
		s.log.Noticef("Stopping listening on: %v", addr)
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.IsHalted() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Errorf("Accept failure: %v", err)
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}
		s.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		s.ServeConn(conn)
	}
}

// ServeConn serves conn in the background.
func (s *Server) ServeConn(conn net.Conn) {
	c := newConn(s, conn)

	s.Lock()
	if s.closed {
		s.Unlock()
		conn.Close()
		return
	}
	c.e = s.conns.PushFront(c)
	s.connWg.Add(1)
	s.Unlock()

	go c.worker()
}

func (s *Server) onClosedConn(c *conn) {
	s.Lock()
	defer func() {
		s.Unlock()
		s.connWg.Done()
	}()
	s.conns.Remove(c.e)
}

// Conns returns the number of open connections.
func (s *Server) Conns() int {
	s.Lock()
	defer s.Unlock()
	return s.conns.Len()
}

// Ping pings every logged in connection.
func (s *Server) Ping() {
	for _, c := range s.snapshot() {
		c.sendPing()
	}
}

// Publish sends ev to every connection subscribed to a prefix of its URI.
// It returns the number of connections it was sent to.
func (s *Server) Publish(ev *mercury.Response) (int, error) {
	seq := s.eventSeq.Add(1)
	payloads, err := mercury.EncodeResponse(seq, ev, s.cfg.MercuryFrameLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range s.snapshot() {
		if !c.subscribed(ev.URI) {
			continue
		}
		if c.sendAll(s.table.Roles().MercuryEvent, payloads) == nil {
			n++
		}
	}
	return n, nil
}

// Push sends a push frame of kind to every logged in connection.
func (s *Server) Push(kind commands.Kind, payload []byte) {
	for _, c := range s.snapshot() {
		c.send(kind, payload)
	}
}

// DropAll closes every connection, leaving the listeners open.
func (s *Server) DropAll() {
	s.Lock()
	var conns []*conn
	for e := s.conns.Front(); e != nil; e = e.Next() {
		conns = append(conns, e.Value.(*conn))
	}
	s.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// RotateLog reopens the log file.
func (s *Server) RotateLog() {
	if err := s.cfg.LogBackend.Rotate(); err != nil {
		s.log.Errorf("Failed to rotate log file: %v", err)
		return
	}
	s.log.Noticef("Log rotated.")
}

// Shutdown closes the listeners and every connection, and waits for them
// to terminate.
func (s *Server) Shutdown() {
	s.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.Unlock()

	s.Signal()
	for _, l := range listeners {
		l.Close()
	}
	s.Worker.Halt()

	s.DropAll()
	s.connWg.Wait()
}

func (s *Server) snapshot() []*conn {
	s.Lock()
	defer s.Unlock()
	var conns []*conn
	for e := s.conns.Front(); e != nil; e = e.Next() {
		c := e.Value.(*conn)
		if c.isLoggedIn() {
			conns = append(conns, c)
		}
	}
	return conns
}

func (s *Server) authenticate(creds *wire.Credentials) (string, bool) {
	s.Lock()
	defer s.Unlock()

	switch creds.AuthType {
	case wire.AuthUserPass:
		name, err := canonicalUsername(creds.Username)
		if err != nil {
			return "", false
		}
		pw, ok := s.users[name]
		if !ok || subtle.ConstantTimeCompare([]byte(pw), creds.AuthData) != 1 {
			return "", false
		}
		return name, true
	case wire.AuthStoredCredentials:
		user, ok := s.tokens[string(creds.AuthData)]
		if name, _ := canonicalUsername(creds.Username); !ok || (creds.Username != "" && name != user) {
			return "", false
		}
		return user, true
	default:
		return "", false
	}
}

func (s *Server) issueToken(username string) ([]byte, error) {
	token := make([]byte, tokenLength)
	if _, err := rand.Read(token); err != nil {
		return nil, err
	}
	s.Lock()
	defer s.Unlock()
	s.tokens[string(token)] = username
	return token, nil
}

func (s *Server) resource(uri string) (*mercury.Response, bool) {
	s.Lock()
	defer s.Unlock()
	r, ok := s.resources[uri]
	return r, ok
}

func (s *Server) key(file audiokey.FileID) (audiokey.Key, bool) {
	s.Lock()
	defer s.Unlock()
	k, ok := s.keys[file]
	return k, ok
}
