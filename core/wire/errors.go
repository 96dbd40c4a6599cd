// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// HandshakeState represents the current state of the handshake
type HandshakeState string

const (
	HandshakeStateInit            HandshakeState = "initialization"
	HandshakeStateHelloSend       HandshakeState = "client_hello_send"
	HandshakeStateHelloReceive    HandshakeState = "client_hello_receive"
	HandshakeStateChallengeSend   HandshakeState = "ap_response_send"
	HandshakeStateChallengeRecv   HandshakeState = "ap_response_receive"
	HandshakeStateResponseSend    HandshakeState = "client_response_send"
	HandshakeStateResponseReceive HandshakeState = "client_response_receive"
	HandshakeStateAuthentication  HandshakeState = "login"
	HandshakeStateFinalization    HandshakeState = "finalization"
)

// ConnectionInfo provides network connection information
type ConnectionInfo struct {
	Protocol   string
	LocalAddr  string
	RemoteAddr string
}

// HandshakeError provides information about key exchange and login failures
type HandshakeError struct {
	State           HandshakeState
	Message         string
	UnderlyingError error
	IsInitiator     bool

	MessageSize  int
	ExpectedSize int

	Connection *ConnectionInfo
}

// Error implements the error interface
func (e *HandshakeError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "wire/session: handshake failed at %s", e.State)
	if e.IsInitiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}

	if e.Connection != nil && e.Connection.RemoteAddr != "" {
		fmt.Fprintf(&b, " with peer %s (%s)", e.Connection.RemoteAddr, e.Connection.Protocol)
	}

	fmt.Fprintf(&b, ": %s", e.Message)

	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, " (underlying error: %v)", e.UnderlyingError)
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.UnderlyingError
}

// Verbose returns a detailed error message with all available information
func (e *HandshakeError) Verbose() string {
	var b strings.Builder

	b.WriteString("=== HANDSHAKE FAILURE ===\n")
	fmt.Fprintf(&b, "State: %s\n", e.State)
	b.WriteString("Role: ")
	if e.IsInitiator {
		b.WriteString("initiator (client)\n")
	} else {
		b.WriteString("responder (access point)\n")
	}

	if e.Connection != nil {
		b.WriteString("\n--- CONNECTION INFORMATION ---\n")
		fmt.Fprintf(&b, "Protocol: %s\n", e.Connection.Protocol)
		fmt.Fprintf(&b, "Local Address: %s\n", e.Connection.LocalAddr)
		fmt.Fprintf(&b, "Remote Address: %s\n", e.Connection.RemoteAddr)
	}

	fmt.Fprintf(&b, "Error Message: %s\n", e.Message)
	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, "Underlying Error: %v\n", e.UnderlyingError)
	}
	if e.MessageSize > 0 || e.ExpectedSize > 0 {
		fmt.Fprintf(&b, "Message Size: %d bytes (expected %d)\n", e.MessageSize, e.ExpectedSize)
	}

	b.WriteString("=== END HANDSHAKE FAILURE ===")
	return b.String()
}

func newHandshakeError(state HandshakeState, initiator bool, conn net.Conn, message string, err error) *HandshakeError {
	e := &HandshakeError{
		State:           state,
		Message:         message,
		UnderlyingError: err,
		IsInitiator:     initiator,
		Connection:      ExtractConnectionInfo(conn),
	}
	var pse *PacketSizeError
	if errors.As(err, &pse) {
		e.MessageSize = pse.Size
		e.ExpectedSize = pse.Max
	}
	return e
}

// PacketSizeError is a handshake packet whose size field is out of bounds.
type PacketSizeError struct {
	Size int
	Max  int
}

func (e *PacketSizeError) Error() string {
	return fmt.Sprintf("wire/session: invalid handshake packet size %d (max %d)", e.Size, e.Max)
}

// ProtocolVersionError represents a hello packet with an unknown prefix
type ProtocolVersionError struct {
	Expected []byte
	Received []byte
}

func (e *ProtocolVersionError) Error() string {
	return fmt.Sprintf("wire/session: protocol version mismatch: expected %x, received %x",
		e.Expected, e.Received)
}

// AuthErrorCode is the access point's login failure code.
type AuthErrorCode int32

const (
	AuthProtocolError               AuthErrorCode = 0
	AuthTryAnotherAP                AuthErrorCode = 2
	AuthBadConnectionID             AuthErrorCode = 5
	AuthTravelRestriction           AuthErrorCode = 9
	AuthPremiumAccountRequired      AuthErrorCode = 11
	AuthBadCredentials              AuthErrorCode = 12
	AuthCouldNotValidateCredentials AuthErrorCode = 13
	AuthAccountExists               AuthErrorCode = 14
	AuthExtraVerificationRequired   AuthErrorCode = 15
	AuthInvalidAppKey               AuthErrorCode = 16
	AuthApplicationBanned           AuthErrorCode = 17
)

var authErrorMessages = map[AuthErrorCode]string{
	AuthProtocolError:               "protocol error",
	AuthTryAnotherAP:                "try another AP",
	AuthBadConnectionID:             "bad connection id",
	AuthTravelRestriction:           "travel restriction",
	AuthPremiumAccountRequired:      "premium account required",
	AuthBadCredentials:              "bad credentials",
	AuthCouldNotValidateCredentials: "could not validate credentials",
	AuthAccountExists:               "account exists",
	AuthExtraVerificationRequired:   "extra verification required",
	AuthInvalidAppKey:               "invalid app key",
	AuthApplicationBanned:           "application banned",
}

func (c AuthErrorCode) String() string {
	if s, ok := authErrorMessages[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int32(c))
}

// AuthError is a login rejected by the access point.
type AuthError struct {
	Code        AuthErrorCode
	Description string
}

func (e *AuthError) Error() string {
	if _, ok := authErrorMessages[e.Code]; ok {
		return "wire/session: authentication failed: " + e.Code.String()
	}
	return fmt.Sprintf("wire/session: authentication failed with error code %d", int32(e.Code))
}

// ErrStreamClosed is returned by a CipherStream after Close.
var ErrStreamClosed = errors.New("wire/session: stream closed")

// FrameError is a frame that could not be read, authenticated or decoded.
// It is always fatal to the stream.
type FrameError struct {
	Sequence uint32
	Reason   string
	Err      error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire/session: frame %d: %s: %v", e.Sequence, e.Reason, e.Err)
	}
	return fmt.Sprintf("wire/session: frame %d: %s", e.Sequence, e.Reason)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// VerboseError interface for errors that can provide detailed information
type VerboseError interface {
	error
	Verbose() string
}

// GetVerboseError returns verbose error information if available
func GetVerboseError(err error) string {
	var ve VerboseError
	if errors.As(err, &ve) {
		return ve.Verbose()
	}
	return err.Error()
}

// ExtractConnectionInfo extracts connection information from a net.Conn
func ExtractConnectionInfo(conn net.Conn) *ConnectionInfo {
	if conn == nil || conn.LocalAddr() == nil || conn.RemoteAddr() == nil {
		return nil
	}
	return &ConnectionInfo{
		Protocol:   conn.LocalAddr().Network(),
		LocalAddr:  conn.LocalAddr().String(),
		RemoteAddr: conn.RemoteAddr().String(),
	}
}
