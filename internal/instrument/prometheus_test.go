// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposed(t *testing.T) {
	require := require.New(t)

	UnexpectedFrame("0x99")
	FrameSent("pong")
	PendingRequests(3)
	RequestDuration("mercury_req", 20*time.Millisecond)
	SessionState("ready")

	body := scrape(t)
	require.Contains(body, `psst_unexpected_frames_total{kind="0x99"} 1`)
	require.Contains(body, `psst_frames_sent_total{kind="pong"} 1`)
	require.Contains(body, "psst_pending_requests 3")
	require.Contains(body, `psst_request_duration_seconds_count{kind="mercury_req"} 1`)
	require.Contains(body, `psst_session_state_transitions_total{state="ready"} 1`)

	PendingRequests(0)
	require.Contains(scrape(t), "psst_pending_requests 0")
}

func TestInitTwice(t *testing.T) {
	require.Nil(t, Init(""))
	require.Nil(t, Init(""))
	require.NotNil(t, Gatherer())
}
