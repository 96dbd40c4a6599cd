// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope

package profiling

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/psstgo/psst/core/log"
)

func TestStartDisabled(t *testing.T) {
	l := log.NewDisabled().GetLogger("profiling")
	require.NoError(t, Start(l, &Config{}))
	require.Error(t, Start(l, &Config{ServerAddress: "http://127.0.0.1:4040", ApplicationName: "psst-ap"}))
}
