// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build pyroscope

package profiling

import (
	"errors"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start sends continuous profiles of this process to the pyroscope server
// at cfg.ServerAddress.  It does nothing if the address is empty.
func Start(log *logging.Logger, cfg *Config) error {
	if cfg.ServerAddress == "" {
		return nil
	}
	if cfg.ApplicationName == "" {
		return errors.New("profiling: application name is not set")
	}
	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          pyroscope.StandardLogger,
		Tags:            cfg.Tags,
	})
	if err != nil {
		return err
	}
	log.Noticef("Profiling to %v as %v.", cfg.ServerAddress, cfg.ApplicationName)
	return nil
}
