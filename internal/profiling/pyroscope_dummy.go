// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope

package profiling

import (
	"errors"

	"gopkg.in/op/go-logging.v1"
)

// Start fails if profiling was asked for, this binary was built without
// the pyroscope tag.
func Start(log *logging.Logger, cfg *Config) error {
	if cfg.ServerAddress == "" {
		return nil
	}
	return errors.New("profiling: built without the pyroscope tag")
}
