// SPDX-FileCopyrightText: Copyright (C) 2018-2025  Yawning Angel, David Stainton, The psst authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the psst client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/psstgo/psst/apresolve"
	"github.com/psstgo/psst/core/session"
	"github.com/psstgo/psst/core/utils"
	"github.com/psstgo/psst/core/wire/commands"
	"github.com/psstgo/psst/internal/proxy"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultRequestTimeout   = 30
	defaultHandshakeTimeout = 60
	defaultDialTimeout      = 30
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Session is the session configuration.
type Session struct {
	// DeviceID identifies this client to the access point and keys the
	// credential store.
	DeviceID string

	// RequestTimeout is the number of seconds a request may take when the
	// caller sets no deadline.
	RequestTimeout int

	// HandshakeTimeout is the number of seconds the key exchange and login
	// may take.
	HandshakeTimeout int

	// DialTimeout is the number of seconds connecting may take.
	DialTimeout int

	// MaxPending bounds the outstanding requests.
	MaxPending int
}

func (sCfg *Session) fixup() {
	if sCfg.DeviceID == "" {
		sCfg.DeviceID = session.DefaultDeviceID
	}
	if sCfg.RequestTimeout <= 0 {
		sCfg.RequestTimeout = defaultRequestTimeout
	}
	if sCfg.HandshakeTimeout <= 0 {
		sCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if sCfg.DialTimeout <= 0 {
		sCfg.DialTimeout = defaultDialTimeout
	}
}

// AccessPoint selects the access point to connect to.
type AccessPoint struct {
	// Addresses are tried in order before asking the resolver.
	Addresses []string

	// ResolverURL is the apresolve endpoint.
	ResolverURL string

	// Fallback is used when resolving fails.
	Fallback string

	// DisableResolver skips the resolver, using Addresses and Fallback
	// only.
	DisableResolver bool
}

func (aCfg *AccessPoint) validate() error {
	if aCfg.ResolverURL == "" {
		aCfg.ResolverURL = apresolve.DefaultURL
	}
	if aCfg.Fallback == "" {
		aCfg.Fallback = apresolve.Fallback
	}
	for _, a := range append([]string{aCfg.Fallback}, aCfg.Addresses...) {
		if err := utils.EnsureHostPort(a); err != nil {
			return fmt.Errorf("config: AccessPoint: Address '%v' is invalid: %v", a, err)
		}
	}
	return nil
}

// Credentials are the login credentials.
type Credentials struct {
	// Username is the account name.  It may be omitted when StoreFile is
	// set, the most recently stored user is then logged in.
	Username string

	// Password is only needed until reusable credentials are stored.
	Password string

	// StoreFile is the credential store, reusable credentials are not
	// persisted if empty.
	StoreFile string
}

// UpstreamProxy is the outgoing connection proxy configuration.
type UpstreamProxy struct {
	// URL is a proxy URL ("socks5://host:port"), overriding the other
	// fields if set.
	URL string

	// Type is the proxy type (Eg: "none"," socks5").
	Type string

	// Network is the proxy address' network (`unix`, `tcp`).
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string
}

func (uCfg *UpstreamProxy) toProxyConfig() (*proxy.Config, error) {
	if uCfg == nil {
		uCfg = &UpstreamProxy{}
	}
	if uCfg.URL != "" {
		return proxy.FromURL(uCfg.URL)
	}
	cfg := &proxy.Config{
		Type:     uCfg.Type,
		Network:  uCfg.Network,
		Address:  uCfg.Address,
		User:     uCfg.User,
		Password: uCfg.Password,
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Metrics is the prometheus endpoint configuration.
type Metrics struct {
	// Address to serve /metrics on, disabled if empty.
	Address string
}

// Kind describes a frame kind, overriding the built in one with the same
// code.
type Kind struct {
	Code        uint8
	Name        string
	Class       string
	Correlation string
	Offset      int
	Channel     string
	Failure     bool
}

func (k *Kind) toDescriptor() (commands.Descriptor, error) {
	class, err := commands.ParseClass(k.Class)
	if err != nil {
		return commands.Descriptor{}, err
	}
	corr := commands.CorrelationNone
	if k.Correlation != "" {
		if corr, err = commands.ParseCorrelation(k.Correlation); err != nil {
			return commands.Descriptor{}, err
		}
	}
	d := commands.Descriptor{
		Kind:        commands.Kind(k.Code),
		Name:        k.Name,
		Class:       class,
		Correlation: corr,
		Offset:      k.Offset,
		Channel:     k.Channel,
		Failure:     k.Failure,
	}
	return d, d.Validate()
}

// Protocol adjusts the frame kind table.
type Protocol struct {
	Kinds []*Kind
}

// Config is the top level client configuration.
type Config struct {
	Logging       *Logging
	Session       *Session
	AccessPoint   *AccessPoint
	Credentials   *Credentials
	UpstreamProxy *UpstreamProxy
	Metrics       *Metrics
	Protocol      *Protocol

	upstreamProxy *proxy.Config
	table         *commands.Table
}

// UpstreamProxyConfig returns the configured upstream proxy, suitable for
// internal use.
func (c *Config) UpstreamProxyConfig() *proxy.Config {
	return c.upstreamProxy
}

// Table returns the frame kind table with the Protocol overrides applied.
func (c *Config) Table() *commands.Table {
	return c.table
}

// RequestTimeout returns Session.RequestTimeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Session.RequestTimeout) * time.Second
}

// HandshakeTimeout returns Session.HandshakeTimeout as a duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Session.HandshakeTimeout) * time.Second
}

// DialTimeout returns Session.DialTimeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Session.DialTimeout) * time.Second
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Session == nil {
		c.Session = &Session{}
	}
	if c.AccessPoint == nil {
		c.AccessPoint = &AccessPoint{}
	}
	if c.Credentials == nil {
		c.Credentials = &Credentials{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Protocol == nil {
		c.Protocol = &Protocol{}
	}
	c.Session.fixup()

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.AccessPoint.validate(); err != nil {
		return err
	}
	if c.Credentials.Username == "" && c.Credentials.StoreFile == "" {
		return errors.New("config: Credentials: Username is not set")
	}
	if c.Metrics.Address != "" {
		if err := utils.EnsureHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", c.Metrics.Address, err)
		}
	}
	uCfg, err := c.UpstreamProxy.toProxyConfig()
	if err != nil {
		return err
	}
	c.upstreamProxy = uCfg

	descs := make([]commands.Descriptor, 0, len(c.Protocol.Kinds))
	for _, k := range c.Protocol.Kinds {
		d, err := k.toDescriptor()
		if err != nil {
			return fmt.Errorf("config: Protocol: %v", err)
		}
		descs = append(descs, d)
	}
	if c.table, err = commands.DefaultTable().With(descs...); err != nil {
		return fmt.Errorf("config: Protocol: %v", err)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)

	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
