// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require.True(t, IsUsageError(errors.New("unknown flag: --colour")))
	require.True(t, IsUsageError(errors.New("accepts 1 arg(s), received 2")))
	require.True(t, IsUsageError(errors.New("failed to load config file 'x.toml': open x.toml: no such file")))
	require.False(t, IsUsageError(errors.New("session: closed")))
}
