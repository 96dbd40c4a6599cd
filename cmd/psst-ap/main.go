// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psstgo/psst/accesspoint"
	"github.com/psstgo/psst/common"
	"github.com/psstgo/psst/core/audiokey"
	"github.com/psstgo/psst/core/log"
	"github.com/psstgo/psst/core/mercury"
	"github.com/psstgo/psst/core/utils"
	"github.com/psstgo/psst/internal/instrument"
	"github.com/psstgo/psst/internal/profiling"
)

// Config holds the command line configuration.
type Config struct {
	Listen       string
	Users        []string
	Resources    []string
	Keys         []string
	Country      string
	Metrics      string
	LogLevel     string
	LogFile      string
	PingInterval time.Duration
	Pyroscope    string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "psst-ap",
		Short: "Access point emulator",
		Long: `psst-ap is a local access point for development and testing. It runs the
responder side of the key exchange, checks logins against the configured
users, answers mercury GET requests from files and audio key requests from
a key table.`,
		Example: `  # Serve one user on the default address
  psst-ap --user bob:secret

  # Serve a mercury resource and an audio key
  psst-ap --user bob:secret --country SE \
    --resource hm://metadata/3/track/x=track.bin \
    --key 00112233445566778899aabbccddeeff00112233=000102030405060708090a0b0c0d0e0f`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := utils.EnsureAddrIPPort(cfg.Listen); err != nil {
				return fmt.Errorf("invalid argument: listen address: %v", err)
			}
			srv, err := newServer(&cfg)
			if err != nil {
				return err
			}
			addr, err := srv.Listen(cfg.Listen)
			if err != nil {
				return err
			}
			defer srv.Shutdown()
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %v.\n", addr)

			rotateCh := make(chan os.Signal, 1)
			signal.Notify(rotateCh, syscall.SIGHUP)
			defer signal.Stop(rotateCh)
			for {
				select {
				case <-rotateCh:
					srv.RotateLog()
				case <-cmd.Context().Done():
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVarP(&cfg.Listen, "listen", "l", "127.0.0.1:4070", "address to accept connections on")
	cmd.Flags().StringArrayVarP(&cfg.Users, "user", "u", nil, "user as name:password, repeatable")
	cmd.Flags().StringArrayVar(&cfg.Resources, "resource", nil, "mercury resource as uri=file, repeatable")
	cmd.Flags().StringArrayVar(&cfg.Keys, "key", nil, "audio key as fileid=key in hex, repeatable")
	cmd.Flags().StringVar(&cfg.Country, "country", "", "country code pushed after login")
	cmd.Flags().StringVar(&cfg.Metrics, "metrics", "", "address to serve prometheus metrics on")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "NOTICE", "log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
	cmd.Flags().StringVar(&cfg.LogFile, "log-file", "", "log file, stdout if empty")
	cmd.Flags().StringVar(&cfg.Pyroscope, "pyroscope", "", "pyroscope server to send profiles to (pyroscope builds only)")
	cmd.Flags().DurationVar(&cfg.PingInterval, "ping-interval", accesspoint.DefaultPingInterval, "interval between pings, never if negative")
	return cmd
}

func newServer(cfg *Config) (*accesspoint.Server, error) {
	backend, err := log.New(cfg.LogFile, cfg.LogLevel, false)
	if err != nil {
		return nil, fmt.Errorf("invalid argument: %v", err)
	}
	apCfg := &accesspoint.Config{
		Users:        make(map[string]string),
		Resources:    make(map[string]*mercury.Response),
		Keys:         make(map[audiokey.FileID]audiokey.Key),
		CountryCode:  cfg.Country,
		PingInterval: cfg.PingInterval,
		LogBackend:   backend,
	}
	for _, u := range cfg.Users {
		name, pw, ok := strings.Cut(u, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid argument: user '%v' is not name:password", u)
		}
		apCfg.Users[name] = pw
	}
	for _, r := range cfg.Resources {
		resp, err := loadResource(r)
		if err != nil {
			return nil, err
		}
		apCfg.Resources[resp.URI] = resp
	}
	for _, k := range cfg.Keys {
		file, key, err := parseKey(k)
		if err != nil {
			return nil, err
		}
		apCfg.Keys[file] = key
	}
	instrument.Init(cfg.Metrics)
	if err := profiling.Start(backend.GetLogger("profiling"), &profiling.Config{
		ServerAddress:   cfg.Pyroscope,
		ApplicationName: "psst-ap",
		Tags:            map[string]string{"listen": cfg.Listen},
	}); err != nil {
		return nil, err
	}
	return accesspoint.New(apCfg), nil
}

func loadResource(s string) (*mercury.Response, error) {
	uri, path, ok := strings.Cut(s, "=")
	if !ok || uri == "" {
		return nil, fmt.Errorf("invalid argument: resource '%v' is not uri=file", s)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &mercury.Response{
		URI:         uri,
		StatusCode:  200,
		ContentType: "application/octet-stream",
		Payload:     [][]byte{b},
	}, nil
}

func parseKey(s string) (audiokey.FileID, audiokey.Key, error) {
	var key audiokey.Key
	f, k, ok := strings.Cut(s, "=")
	if !ok {
		return audiokey.FileID{}, key, fmt.Errorf("invalid argument: key '%v' is not fileid=key", s)
	}
	file, err := audiokey.ParseFileID(f)
	if err != nil {
		return file, key, fmt.Errorf("invalid argument: %v", err)
	}
	b, err := hex.DecodeString(k)
	if err != nil || len(b) != audiokey.KeyLength {
		return file, key, fmt.Errorf("invalid argument: key '%v' is not %d hex bytes", k, audiokey.KeyLength)
	}
	copy(key[:], b)
	return file, key, nil
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
