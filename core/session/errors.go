// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"errors"
	"fmt"

	"github.com/psstgo/psst/core/mux"
)

var (
	// ErrSessionClosed is returned by every operation on a Closed session
	// and fails every request pending when it closed.
	ErrSessionClosed = mux.ErrSessionClosed

	// ErrTimeout matches a request that timed out.
	ErrTimeout = mux.ErrTimeout

	// ErrConcurrentPoll is returned by a Poll racing another.
	ErrConcurrentPoll = errors.New("session: concurrent Poll")

	// ErrNotReady is returned before the login completed.
	ErrNotReady = errors.New("session: not ready")
)

// ConnectError is the error used to indicate that a connect attempt has failed.
type ConnectError struct {
	// Err is the original error that caused the connect attempt to fail.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("session: connect error: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ProtocolError is the error used to indicate that the session was closed
// due to a transport failure after it became Ready.
type ProtocolError struct {
	// Err is the original error that triggered the close.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("session: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
