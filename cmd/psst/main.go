// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psstgo/psst/apclient"
	"github.com/psstgo/psst/common"
	"github.com/psstgo/psst/config"
	"github.com/psstgo/psst/core/audiokey"
	"github.com/psstgo/psst/core/log"
	"github.com/psstgo/psst/core/wire"
	"github.com/psstgo/psst/internal/instrument"
)

type rootFlags struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "psst",
		Short: "Access point session client",
		Long: `psst connects to an access point, runs the key exchange and login, and
issues requests over the encrypted session.

Reusable credentials handed out at login are kept in the credential store
named by the configuration, later logins do not need the password.`,
		Example: `  # Log in and store reusable credentials
  psst login --config psst.toml

  # Fetch a mercury resource
  psst mercury get hm://metadata/3/track/b39fe8081e1f4c54be38e8d6f9f12bb9

  # Request the key of an audio file
  psst audio-key spotify:track:5sWHDYs0csV6RS48xBl0tH 6c2e4b3a9f0d1e2f3a4b5c6d7e8f9a0b1c2d3e4f

  # Print the account's country
  psst country

  # List the users with stored credentials
  psst accounts`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "f", "psst.toml",
		"path to the client configuration file (TOML format)")

	mercuryCmd := &cobra.Command{
		Use:   "mercury",
		Short: "Mercury requests",
	}
	mercuryCmd.AddCommand(newMercuryGetCommand(&flags))

	cmd.AddCommand(
		newLoginCommand(&flags),
		mercuryCmd,
		newAudioKeyCommand(&flags),
		newCountryCommand(&flags),
		newAccountsCommand(&flags),
	)
	return cmd
}

// client bundles what every subcommand sets up from the configuration.
type client struct {
	cfg *config.Config
	svc *apclient.Service
}

func newClient(flags *rootFlags) (*client, error) {
	cfg, err := config.LoadFile(flags.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", flags.ConfigFile, err)
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %v", err)
	}
	instrument.Init(cfg.Metrics.Address)

	svc, err := apclient.New(cfg, backend)
	if err != nil {
		return nil, err
	}
	return &client{cfg: cfg, svc: svc}, nil
}

func (c *client) Close() {
	c.svc.Shutdown()
}

func newLoginCommand(flags *rootFlags) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store reusable credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			sess, err := c.svc.Connected(cmd.Context())
			if err != nil {
				if verbose {
					fmt.Fprintln(cmd.ErrOrStderr(), wire.GetVerboseError(err))
				}
				return err
			}
			w := sess.Welcome()
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %v.\n", w.CanonicalUsername)
			if f := c.cfg.Credentials.StoreFile; f != "" && len(w.ReusableAuthData) != 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %v credentials in %v.\n", w.ReusableAuthType, f)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the full handshake failure report")
	return cmd
}

func newAccountsCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the users with stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			names, err := c.svc.StoredUsernames()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newMercuryGetCommand(flags *rootFlags) *cobra.Command {
	var headers bool

	cmd := &cobra.Command{
		Use:   "get <uri>",
		Short: "Fetch a mercury resource and write its payload to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			mc, err := c.svc.Mercury(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := mc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if headers {
				fmt.Fprintf(cmd.ErrOrStderr(), "Status: %d\n", resp.StatusCode)
				if resp.ContentType != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "Content-Type: %v\n", resp.ContentType)
				}
				for _, f := range resp.UserFields {
					fmt.Fprintf(cmd.ErrOrStderr(), "%v: %s\n", f.Key, f.Value)
				}
			}
			for _, part := range resp.Payload {
				if _, err := cmd.OutOrStdout().Write(part); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&headers, "headers", false, "print the response header to stderr")
	return cmd
}

func parseTrack(s string) (audiokey.ItemID, error) {
	var (
		id  audiokey.ItemID
		err error
	)
	switch {
	case strings.HasPrefix(s, "spotify:"):
		id, err = audiokey.ParseURI(s)
	case len(s) == 32:
		id, err = audiokey.ParseBase16(s, audiokey.ItemTrack)
	default:
		id, err = audiokey.ParseBase62(s, audiokey.ItemTrack)
	}
	if err != nil {
		return id, fmt.Errorf("invalid item id '%v': %v", s, err)
	}
	return id, nil
}

func newAudioKeyCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "audio-key <track> <file>",
		Short: "Request the decryption key of an audio file",
		Long: `Requests the key of an audio file. The track is a spotify URI, a base62
id or a base16 id, the file is the 40 character hex file id.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			track, err := parseTrack(args[0])
			if err != nil {
				return err
			}
			file, err := audiokey.ParseFileID(args[1])
			if err != nil {
				return fmt.Errorf("invalid file id '%v': %v", args[1], err)
			}

			c, err := newClient(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			key, err := c.svc.AudioKey(cmd.Context(), track, file)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key[:]))
			return nil
		},
	}
}

func newCountryCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "country",
		Short: "Print the country code of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			cc, err := c.svc.CountryCode(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cc)
			return nil
		},
	}
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
