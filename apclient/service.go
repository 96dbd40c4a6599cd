// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package apclient provides a lazily connected, shareable access point
// session.
package apclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/psstgo/psst/apresolve"
	"github.com/psstgo/psst/config"
	"github.com/psstgo/psst/core/audiokey"
	"github.com/psstgo/psst/core/log"
	"github.com/psstgo/psst/core/mercury"
	"github.com/psstgo/psst/core/session"
	"github.com/psstgo/psst/core/wire"
	"github.com/psstgo/psst/credstore"
)

const proxyTag = "psst-ap"

var (
	// ErrShutdown is returned once Shutdown was called.
	ErrShutdown = errors.New("apclient: service shut down")

	errNoCredentials = errors.New("apclient: no stored credentials and no password")
)

// Service hands out the current session, connecting on demand.  A session
// that went away is replaced on the next call, never in the background.
type Service struct {
	sync.Mutex

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	store    *credstore.Store
	sess     *session.Session
	mercury  *mercury.Client
	audioKey *audiokey.Client
	closed   bool
}

// New returns a disconnected Service.
func New(cfg *config.Config, logBackend *log.Backend) (*Service, error) {
	if logBackend == nil {
		logBackend = log.NewDisabled()
	}
	s := &Service{
		logBackend: logBackend,
		log:        logBackend.GetLogger("apclient"),
	}
	if err := s.setConfig(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) setConfig(cfg *config.Config) error {
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
	s.cfg = cfg
	if cfg.Credentials.StoreFile == "" {
		return nil
	}
	store, err := credstore.Open(cfg.Credentials.StoreFile, cfg.Session.DeviceID)
	if err != nil {
		return fmt.Errorf("apclient: failed to open credential store: %w", err)
	}
	s.store = store
	return nil
}

// Connected returns a Ready session, dialing a new one if there is none.
func (s *Service) Connected(ctx context.Context) (*session.Session, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, ErrShutdown
	}
	if s.sess != nil {
		if s.sess.State() == session.StateReady {
			return s.sess, nil
		}
		s.log.Infof("Session went away: %v", s.sess.Err())
		s.disconnect()
	}

	sess, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.sess = sess
	s.mercury = mercury.NewClient(sess, s.logBackend.GetLogger("mercury"))
	s.audioKey = audiokey.NewClient(sess, s.logBackend.GetLogger("audiokey"))
	sess.Start()
	return sess, nil
}

// IsConnected returns true iff a Ready session exists.
func (s *Service) IsConnected() bool {
	s.Lock()
	defer s.Unlock()
	return s.sess != nil && s.sess.State() == session.StateReady
}

// UpdateConfig replaces the configuration and closes the current session,
// the next call connects with cfg.
func (s *Service) UpdateConfig(cfg *config.Config) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return ErrShutdown
	}
	s.disconnect()
	return s.setConfig(cfg)
}

// Shutdown closes the session and the credential store.
func (s *Service) Shutdown() {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.disconnect()
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
}

// Mercury returns the mercury client of the current session.
func (s *Service) Mercury(ctx context.Context) (*mercury.Client, error) {
	if _, err := s.Connected(ctx); err != nil {
		return nil, err
	}
	s.Lock()
	defer s.Unlock()
	if s.mercury == nil {
		return nil, ErrShutdown
	}
	return s.mercury, nil
}

// AudioKey fetches the key of file of track.
func (s *Service) AudioKey(ctx context.Context, track audiokey.ItemID, file audiokey.FileID) (audiokey.Key, error) {
	if _, err := s.Connected(ctx); err != nil {
		return audiokey.Key{}, err
	}
	s.Lock()
	c := s.audioKey
	s.Unlock()
	if c == nil {
		return audiokey.Key{}, ErrShutdown
	}
	return c.Request(ctx, track, file)
}

// CountryCode returns the country code of the account, waiting for the
// access point to push it if necessary.
func (s *Service) CountryCode(ctx context.Context) (string, error) {
	sess, err := s.Connected(ctx)
	if err != nil {
		return "", err
	}
	if cc := sess.CountryCode(); cc != "" {
		return cc, nil
	}
	sub, err := sess.Subscribe(sess.Table().Roles().CountryCode, 1)
	if err != nil {
		return "", err
	}
	defer sub.Close()
	if cc := sess.CountryCode(); cc != "" {
		return cc, nil
	}

	select {
	case f, ok := <-sub.C():
		if !ok {
			return "", session.ErrSessionClosed
		}
		return string(f.Payload), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Credentials returns the credentials the next login would use.
func (s *Service) Credentials() ([]*wire.Credentials, error) {
	s.Lock()
	defer s.Unlock()
	return s.credentials()
}

// credentials returns the stored credentials of the configured user, then
// the password.  Without a configured username the most recently stored
// credentials are used.
func (s *Service) credentials() ([]*wire.Credentials, error) {
	var creds []*wire.Credentials
	username := s.cfg.Credentials.Username
	if s.store != nil {
		var (
			c   *wire.Credentials
			err error
		)
		if username == "" {
			c, err = s.store.Last()
		} else {
			c, err = s.store.Get(username)
		}
		switch {
		case err == nil:
			creds = append(creds, c)
			username = c.Username
		case errors.Is(err, credstore.ErrNotFound):
		default:
			s.log.Warningf("Ignoring stored credentials of %v: %v", username, err)
		}
	}
	if pw := s.cfg.Credentials.Password; pw != "" && username != "" {
		creds = append(creds, wire.NewPasswordCredentials(username, pw))
	}
	if len(creds) == 0 {
		return nil, errNoCredentials
	}
	return creds, nil
}

// StoredUsernames lists the users with stored credentials.
func (s *Service) StoredUsernames() ([]string, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, ErrShutdown
	}
	if s.store == nil {
		return nil, nil
	}
	return s.store.Usernames()
}

func (s *Service) addresses(ctx context.Context) []string {
	apCfg := s.cfg.AccessPoint
	addrs := append([]string{}, apCfg.Addresses...)
	if !apCfg.DisableResolver {
		r := apresolve.New(apCfg.ResolverURL, s.cfg.UpstreamProxyConfig().ToDialContext(proxyTag), s.logBackend.GetLogger("apresolve"))
		aps, err := r.Lookup(ctx)
		if err != nil {
			s.log.Warningf("Failed to resolve access points: %v", err)
		}
		addrs = append(addrs, aps...)
	}
	addrs = append(addrs, apCfg.Fallback)

	seen := make(map[string]bool, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func (s *Service) sessionConfig(creds *wire.Credentials) *session.Config {
	cfg := &session.Config{
		Credentials:      creds,
		DeviceID:         s.cfg.Session.DeviceID,
		Table:            s.cfg.Table(),
		RequestTimeout:   s.cfg.RequestTimeout(),
		HandshakeTimeout: s.cfg.HandshakeTimeout(),
		MaxPending:       s.cfg.Session.MaxPending,
		LogBackend:       s.logBackend,
	}
	if dialFn := s.cfg.UpstreamProxyConfig().ToDialContext(proxyTag); dialFn != nil {
		cfg.DialContextFn = dialFn
	}
	return cfg
}

// connect tries every address in turn.  Rejected credentials move on to the
// next credentials, once all of them were rejected no further address is
// tried.  An access point turning the connection away keeps the credentials
// for the next address.
func (s *Service) connect(ctx context.Context) (*session.Session, error) {
	creds, err := s.credentials()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range s.addresses(ctx) {
		for i := 0; i < len(creds); {
			sess, err := s.dial(ctx, addr, creds[i])
			if err == nil {
				s.storeCredentials(sess)
				return sess, nil
			}
			lastErr = err
			if !rejected(err) {
				break
			}
			if creds[i].AuthType == wire.AuthStoredCredentials && s.store != nil {
				s.log.Noticef("Stored credentials of %v rejected, discarding.", creds[i].Username)
				s.store.Delete(creds[i].Username)
			}
			creds = append(creds[:i], creds[i+1:]...)
		}
		if len(creds) == 0 || ctx.Err() != nil {
			break
		}
		s.log.Warningf("Failed to connect to %v: %v", addr, lastErr)
		s.log.Debugf("%s", wire.GetVerboseError(lastErr))
	}
	return nil, lastErr
}

// rejected reports whether err is the access point refusing the
// credentials, as opposed to refusing the connection before the login.
func rejected(err error) bool {
	var he *wire.HandshakeError
	var ae *wire.AuthError
	return errors.As(err, &he) && he.State == wire.HandshakeStateAuthentication && errors.As(err, &ae)
}

func (s *Service) dial(ctx context.Context, addr string, creds *wire.Credentials) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout()+s.cfg.HandshakeTimeout())
	defer cancel()

	s.log.Debugf("Connecting to %v as %v (%v).", addr, creds.Username, creds.AuthType)
	return session.Dial(ctx, addr, s.sessionConfig(creds))
}

func (s *Service) storeCredentials(sess *session.Session) {
	if s.store == nil {
		return
	}
	creds := sess.Welcome().Credentials()
	if len(creds.AuthData) == 0 {
		return
	}
	if err := s.store.Put(creds); err != nil {
		s.log.Warningf("Failed to store credentials of %v: %v", creds.Username, err)
	}
}

func (s *Service) disconnect() {
	if s.mercury != nil {
		s.mercury.Close()
		s.mercury = nil
	}
	s.audioKey = nil
	if s.sess != nil {
		s.sess.Close()
		s.sess = nil
	}
}
