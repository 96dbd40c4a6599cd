// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"fmt"

	"github.com/psstgo/psst/core/utils"
	"github.com/psstgo/psst/core/wire/commands"
)

// AuthType is the kind of secret carried in Credentials.
type AuthType uint32

const (
	AuthUserPass          AuthType = 0
	AuthStoredCredentials AuthType = 1
	AuthStoredFacebook    AuthType = 2
	AuthSpotifyToken      AuthType = 3
	AuthFacebookToken     AuthType = 4
)

func (t AuthType) String() string {
	switch t {
	case AuthUserPass:
		return "user_pass"
	case AuthStoredCredentials:
		return "stored_credentials"
	case AuthStoredFacebook:
		return "stored_facebook"
	case AuthSpotifyToken:
		return "token"
	case AuthFacebookToken:
		return "facebook_token"
	default:
		return fmt.Sprintf("auth_type(%d)", uint32(t))
	}
}

// Credentials authenticate a login.
type Credentials struct {
	Username string   `cbor:"username"`
	AuthType AuthType `cbor:"typ"`
	AuthData []byte   `cbor:"auth_data"`
}

// NewPasswordCredentials returns username and password credentials.
func NewPasswordCredentials(username, password string) *Credentials {
	return &Credentials{
		Username: username,
		AuthType: AuthUserPass,
		AuthData: []byte(password),
	}
}

// Wipe clears the secret.
func (c *Credentials) Wipe() {
	utils.ExplicitBzero(c.AuthData)
}

// SystemInfo describes the logging in device.
type SystemInfo struct {
	OS       string `cbor:"os,omitempty"`
	CPU      string `cbor:"cpu_family,omitempty"`
	DeviceID string `cbor:"device_id"`
}

// LoginRequest is the encrypted login sent right after the key exchange.
type LoginRequest struct {
	Credentials   Credentials `cbor:"login_credentials"`
	SystemInfo    SystemInfo  `cbor:"system_info"`
	VersionString string      `cbor:"version_string,omitempty"`
}

// Welcome is the access point's acceptance of a login.  The reusable
// credentials replace the ones used to log in.
type Welcome struct {
	CanonicalUsername string   `cbor:"canonical_username"`
	ReusableAuthType  AuthType `cbor:"reusable_auth_credentials_type"`
	ReusableAuthData  []byte   `cbor:"reusable_auth_credentials"`
}

// Credentials returns the reusable credentials carried by w.
func (w *Welcome) Credentials() *Credentials {
	return &Credentials{
		Username: w.CanonicalUsername,
		AuthType: w.ReusableAuthType,
		AuthData: append([]byte(nil), w.ReusableAuthData...),
	}
}

// Login sends req over s and waits for the verdict, which must be the next
// frame.  Every failure is a *HandshakeError in HandshakeStateAuthentication,
// a rejection wraps an *AuthError.
func Login(s *CipherStream, roles commands.Roles, req *LoginRequest) (*Welcome, error) {
	fail := func(msg string, err error) error {
		return newHandshakeError(HandshakeStateAuthentication, true, s.conn, msg, err)
	}

	body, err := cborEnc.Marshal(req)
	if err != nil {
		return nil, fail("failed to encode login", err)
	}
	if err := s.Send(&Frame{Kind: roles.Login, Payload: body}); err != nil {
		return nil, fail("failed to send login", err)
	}

	f, err := s.Receive()
	if err != nil {
		return nil, fail("failed to receive login verdict", err)
	}
	switch f.Kind {
	case roles.Welcome:
		w := new(Welcome)
		if err := cborDec.Unmarshal(f.Payload, w); err != nil {
			return nil, fail("malformed welcome", err)
		}
		return w, nil
	case roles.AuthFailure:
		var lf APLoginFailed
		if err := cborDec.Unmarshal(f.Payload, &lf); err != nil {
			return nil, fail("malformed auth failure", err)
		}
		return nil, fail("rejected by access point", &AuthError{Code: lf.ErrorCode, Description: lf.ErrorDescription})
	default:
		return nil, fail(fmt.Sprintf("unexpected frame kind 0x%02x", uint8(f.Kind)), nil)
	}
}

// ReadLogin receives the initiator's login on the responder side.
func ReadLogin(s *CipherStream, roles commands.Roles) (*LoginRequest, error) {
	f, err := s.Receive()
	if err != nil {
		return nil, err
	}
	if f.Kind != roles.Login {
		return nil, fmt.Errorf("wire/session: expected login, got kind 0x%02x", uint8(f.Kind))
	}
	req := new(LoginRequest)
	if err := cborDec.Unmarshal(f.Payload, req); err != nil {
		return nil, fmt.Errorf("wire/session: malformed login: %w", err)
	}
	return req, nil
}

// AcceptLogin answers a login with w.
func AcceptLogin(s *CipherStream, roles commands.Roles, w *Welcome) error {
	body, err := cborEnc.Marshal(w)
	if err != nil {
		return err
	}
	return s.Send(&Frame{Kind: roles.Welcome, Payload: body})
}

// RejectLogin answers a login with a failure.
func RejectLogin(s *CipherStream, roles commands.Roles, code AuthErrorCode, description string) error {
	body, err := cborEnc.Marshal(&APLoginFailed{ErrorCode: code, ErrorDescription: description})
	if err != nil {
		return err
	}
	return s.Send(&Frame{Kind: roles.AuthFailure, Payload: body})
}
