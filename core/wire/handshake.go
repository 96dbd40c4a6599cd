// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the access point transport: the Diffie-Hellman
// key exchange, the Shannon protected frame stream and the login exchange.
package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"

	"github.com/psstgo/psst/core/crypto/dh"
	"github.com/psstgo/psst/core/utils"
)

const (
	// CryptoSuiteShannon is the only supported stream cipher suite.
	CryptoSuiteShannon = 0

	// NonceLength is the length of the client hello nonce.
	NonceLength = 16

	// KeyLength is the length of each direction's stream key.
	KeyLength = 32

	maxHandshakePacket = 16 * 1024
)

// HelloPrefix precedes the first packet sent by the initiator.
var HelloPrefix = []byte{0x00, 0x04}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("BUG: wire: cbor encoder: " + err.Error())
	}
	decOpts := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1024,
		MaxMapPairs:      256,
	}
	if cborDec, err = decOpts.DecMode(); err != nil {
		panic("BUG: wire: cbor decoder: " + err.Error())
	}
}

// BuildInfo identifies the client software.
type BuildInfo struct {
	Product  uint32 `cbor:"product"`
	Platform uint32 `cbor:"platform"`
	Version  uint64 `cbor:"version"`
}

// DefaultBuildInfo is sent when no other build info is configured.
var DefaultBuildInfo = BuildInfo{
	Product:  2,
	Platform: 0,
	Version:  109800078,
}

// ClientHello is the initiator's first message.
type ClientHello struct {
	BuildInfo       BuildInfo `cbor:"build_info"`
	CryptoSuites    []uint32  `cbor:"cryptosuites_supported"`
	DHPublic        []byte    `cbor:"gc"`
	ServerKeysKnown uint32    `cbor:"server_keys_known"`
	ClientNonce     []byte    `cbor:"client_nonce"`
	Padding         []byte    `cbor:"padding,omitempty"`
}

// APChallenge carries the responder's public value.
type APChallenge struct {
	DHPublic           []byte `cbor:"gs"`
	ServerSignatureKey uint32 `cbor:"server_signature_key"`
	ServerNonce        []byte `cbor:"server_nonce,omitempty"`
	Padding            []byte `cbor:"padding,omitempty"`
}

// APLoginFailed is a rejection, either of the hello or of the login.
type APLoginFailed struct {
	ErrorCode        AuthErrorCode `cbor:"error_code"`
	ErrorDescription string        `cbor:"error_description,omitempty"`
}

// APResponse is the responder's answer to the hello.  Exactly one field is
// set.
type APResponse struct {
	Challenge   *APChallenge   `cbor:"challenge,omitempty"`
	LoginFailed *APLoginFailed `cbor:"login_failed,omitempty"`
}

// ClientResponse proves the initiator derived the same keys.
type ClientResponse struct {
	HMAC []byte `cbor:"hmac"`
}

// HandshakeConfig parameterizes the key exchange.
type HandshakeConfig struct {
	// Group is the Diffie-Hellman group, dh.Oakley768 if nil.
	Group *dh.Group

	// RandomReader is the entropy source, crypto/rand.Reader if nil.
	RandomReader io.Reader

	// BuildInfo is sent in the hello.
	BuildInfo BuildInfo
}

func (cfg *HandshakeConfig) group() *dh.Group {
	if cfg == nil || cfg.Group == nil {
		return dh.Oakley768
	}
	return cfg.Group
}

func (cfg *HandshakeConfig) rand() io.Reader {
	if cfg == nil || cfg.RandomReader == nil {
		return rand.Reader
	}
	return cfg.RandomReader
}

// ExchangeKeys runs the initiator side of the key exchange over conn and
// returns the resulting stream.  Deadlines are the caller's business.
func ExchangeKeys(conn net.Conn, cfg *HandshakeConfig) (*CipherStream, error) {
	fail := func(state HandshakeState, msg string, err error) error {
		return newHandshakeError(state, true, conn, msg, err)
	}

	keys, err := dh.GenerateKeyPair(cfg.group(), cfg.rand())
	if err != nil {
		return nil, fail(HandshakeStateInit, "failed to generate key pair", err)
	}
	defer keys.Reset()

	nonce := make([]byte, NonceLength)
	if _, err := io.ReadFull(cfg.rand(), nonce); err != nil {
		return nil, fail(HandshakeStateInit, "failed to generate nonce", err)
	}
	info := DefaultBuildInfo
	if cfg != nil && cfg.BuildInfo != (BuildInfo{}) {
		info = cfg.BuildInfo
	}
	hello := &ClientHello{
		BuildInfo:       info,
		CryptoSuites:    []uint32{CryptoSuiteShannon},
		DHPublic:        keys.PublicKey(),
		ServerKeysKnown: 1,
		ClientNonce:     nonce,
		Padding:         []byte{0x1e},
	}
	body, err := cborEnc.Marshal(hello)
	if err != nil {
		return nil, fail(HandshakeStateHelloSend, "failed to encode hello", err)
	}
	helloPacket, err := writePacket(conn, HelloPrefix, body)
	if err != nil {
		return nil, fail(HandshakeStateHelloSend, "failed to send hello", err)
	}

	respPacket, err := readPacket(conn)
	if err != nil {
		return nil, fail(HandshakeStateChallengeRecv, "failed to read response", err)
	}
	var resp APResponse
	if err := cborDec.Unmarshal(respPacket[4:], &resp); err != nil {
		return nil, fail(HandshakeStateChallengeRecv, "malformed response", err)
	}
	switch {
	case resp.LoginFailed != nil:
		return nil, fail(HandshakeStateChallengeRecv, "rejected by access point", &AuthError{
			Code:        resp.LoginFailed.ErrorCode,
			Description: resp.LoginFailed.ErrorDescription,
		})
	case resp.Challenge == nil:
		return nil, fail(HandshakeStateChallengeRecv, "response carries no challenge", nil)
	}

	shared, err := keys.SharedSecret(resp.Challenge.DHPublic)
	if err != nil {
		return nil, fail(HandshakeStateChallengeRecv, "invalid remote public value", err)
	}
	challenge, sendKey, recvKey := deriveKeys(shared.Bytes(), helloPacket, respPacket)
	shared.Wipe()
	defer utils.ExplicitBzero(sendKey)
	defer utils.ExplicitBzero(recvKey)

	body, err = cborEnc.Marshal(&ClientResponse{HMAC: challenge})
	if err != nil {
		return nil, fail(HandshakeStateResponseSend, "failed to encode response", err)
	}
	if _, err := writePacket(conn, nil, body); err != nil {
		return nil, fail(HandshakeStateResponseSend, "failed to send response", err)
	}

	return NewCipherStream(conn, sendKey, recvKey), nil
}

// HelloPolicy lets a responder reject a hello.  A nil *APLoginFailed
// accepts it.
type HelloPolicy func(*ClientHello) *APLoginFailed

// AcceptKeys runs the responder side of the key exchange over conn.
func AcceptKeys(conn net.Conn, cfg *HandshakeConfig, policy HelloPolicy) (*CipherStream, *ClientHello, error) {
	fail := func(state HandshakeState, msg string, err error) error {
		return newHandshakeError(state, false, conn, msg, err)
	}

	var prefix [2]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, nil, fail(HandshakeStateHelloReceive, "failed to read hello", err)
	}
	if !bytes.Equal(prefix[:], HelloPrefix) {
		return nil, nil, fail(HandshakeStateHelloReceive, "unsupported hello", &ProtocolVersionError{
			Expected: HelloPrefix,
			Received: prefix[:],
		})
	}
	helloPacket, err := readPrefixedPacket(conn, prefix[:])
	if err != nil {
		return nil, nil, fail(HandshakeStateHelloReceive, "failed to read hello", err)
	}

	hello := new(ClientHello)
	if err := cborDec.Unmarshal(helloPacket[len(prefix)+4:], hello); err != nil {
		return nil, nil, fail(HandshakeStateHelloReceive, "malformed hello", err)
	}

	reject := func(lf *APLoginFailed) error {
		if body, err := cborEnc.Marshal(&APResponse{LoginFailed: lf}); err == nil {
			writePacket(conn, nil, body)
		}
		return fail(HandshakeStateChallengeSend, "hello rejected", &AuthError{Code: lf.ErrorCode, Description: lf.ErrorDescription})
	}
	if !supportsShannon(hello.CryptoSuites) {
		return nil, nil, reject(&APLoginFailed{ErrorCode: AuthProtocolError, ErrorDescription: "no supported crypto suite"})
	}
	if policy != nil {
		if lf := policy(hello); lf != nil {
			return nil, nil, reject(lf)
		}
	}

	keys, err := dh.GenerateKeyPair(cfg.group(), cfg.rand())
	if err != nil {
		return nil, nil, fail(HandshakeStateInit, "failed to generate key pair", err)
	}
	defer keys.Reset()

	shared, err := keys.SharedSecret(hello.DHPublic)
	if err != nil {
		return nil, nil, reject(&APLoginFailed{ErrorCode: AuthProtocolError, ErrorDescription: err.Error()})
	}
	defer shared.Wipe()

	serverNonce := make([]byte, NonceLength)
	if _, err := io.ReadFull(cfg.rand(), serverNonce); err != nil {
		return nil, nil, fail(HandshakeStateInit, "failed to generate nonce", err)
	}
	body, err := cborEnc.Marshal(&APResponse{
		Challenge: &APChallenge{
			DHPublic:    keys.PublicKey(),
			ServerNonce: serverNonce,
		},
	})
	if err != nil {
		return nil, nil, fail(HandshakeStateChallengeSend, "failed to encode challenge", err)
	}
	respPacket, err := writePacket(conn, nil, body)
	if err != nil {
		return nil, nil, fail(HandshakeStateChallengeSend, "failed to send challenge", err)
	}

	challenge, clientKey, serverKey := deriveKeys(shared.Bytes(), helloPacket, respPacket)
	defer utils.ExplicitBzero(clientKey)
	defer utils.ExplicitBzero(serverKey)

	crPacket, err := readPacket(conn)
	if err != nil {
		return nil, nil, fail(HandshakeStateResponseReceive, "failed to read client response", err)
	}
	var cr ClientResponse
	if err := cborDec.Unmarshal(crPacket[4:], &cr); err != nil {
		return nil, nil, fail(HandshakeStateResponseReceive, "malformed client response", err)
	}
	if !hmac.Equal(cr.HMAC, challenge) {
		return nil, nil, fail(HandshakeStateResponseReceive, "challenge response mismatch", nil)
	}

	return NewCipherStream(conn, serverKey, clientKey), hello, nil
}

func supportsShannon(suites []uint32) bool {
	for _, s := range suites {
		if s == CryptoSuiteShannon {
			return true
		}
	}
	return false
}

// deriveKeys expands the shared secret over both handshake packets into the
// challenge HMAC, the initiator to responder key and the responder to
// initiator key.
func deriveKeys(shared, helloPacket, respPacket []byte) (challenge, sendKey, recvKey []byte) {
	data := make([]byte, 0, 5*sha1.Size)
	for i := byte(1); i <= 5; i++ {
		m := hmac.New(sha1.New, shared)
		m.Write(helloPacket)
		m.Write(respPacket)
		m.Write([]byte{i})
		data = m.Sum(data)
	}
	defer utils.ExplicitBzero(data)

	m := hmac.New(sha1.New, data[:sha1.Size])
	m.Write(helloPacket)
	m.Write(respPacket)
	challenge = m.Sum(nil)

	sendKey = append([]byte(nil), data[sha1.Size:sha1.Size+KeyLength]...)
	recvKey = append([]byte(nil), data[sha1.Size+KeyLength:sha1.Size+2*KeyLength]...)
	return challenge, sendKey, recvKey
}

// writePacket writes prefix || u32 size || body in one Write, where size
// covers the whole packet, and returns the bytes written.
func writePacket(w io.Writer, prefix, body []byte) ([]byte, error) {
	size := len(prefix) + 4 + len(body)
	if size > maxHandshakePacket {
		return nil, fmt.Errorf("wire/session: handshake packet of %d bytes too large", size)
	}
	pkt := make([]byte, 0, size)
	pkt = append(pkt, prefix...)
	pkt = binary.BigEndian.AppendUint32(pkt, uint32(size))
	pkt = append(pkt, body...)
	if _, err := w.Write(pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// readPacket reads a u32 size prefixed packet, returning it including the
// size field.
func readPacket(r io.Reader) ([]byte, error) {
	return readPrefixedPacket(r, nil)
}

// readPrefixedPacket reads the remainder of a packet whose prefix was
// already consumed.  The size field covers the prefix.
func readPrefixedPacket(r io.Reader, prefix []byte) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(hdr[:]))
	if size < len(prefix)+4 || size > maxHandshakePacket {
		return nil, &PacketSizeError{Size: size, Max: maxHandshakePacket}
	}
	pkt := make([]byte, size)
	n := copy(pkt, prefix)
	n += copy(pkt[n:], hdr[:])
	if _, err := io.ReadFull(r, pkt[n:]); err != nil {
		return nil, err
	}
	return pkt, nil
}
