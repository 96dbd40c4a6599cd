// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package profiling hooks up continuous profiling, available in binaries
// built with the pyroscope tag.
package profiling

// Config selects the profiling server.
type Config struct {
	ServerAddress   string
	ApplicationName string
	Tags            map[string]string
}
