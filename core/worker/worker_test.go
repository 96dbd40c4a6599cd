// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	var w Worker
	var n int32
	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddInt32(&n, 1)
		})
	}
	require.False(t, w.IsHalted())
	w.Halt()
	w.Halt()
	require.True(t, w.IsHalted())
	require.Equal(t, int32(4), atomic.LoadInt32(&n))
}

func TestWorkerSignalFromInside(t *testing.T) {
	var w Worker
	w.Go(func() {
		w.Signal()
	})
	<-w.HaltCh()
	w.Wait()
}
