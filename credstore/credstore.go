// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package credstore persists the reusable credentials handed out by the
// access point, sealed under a key derived from the device id.
package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/psstgo/psst/core/utils"
	"github.com/psstgo/psst/core/wire"
)

const (
	metadataBucket    = "metadata"
	credentialsBucket = "credentials"
	versionKey        = "version"
	lastKey           = "last"

	storeVersion = 0
	nonceLength  = 24
	keyLength    = 32

	hkdfSalt = "psst credential store v0"
)

var (
	// ErrNotFound is returned for usernames without stored credentials.
	ErrNotFound = errors.New("credstore: no stored credentials")

	// ErrCorrupted is returned for records that fail to open.
	ErrCorrupted = errors.New("credstore: corrupted record")
)

type record struct {
	Username string        `cbor:"username"`
	AuthType wire.AuthType `cbor:"auth_type"`
	AuthData []byte        `cbor:"auth_data"`
	Stored   int64         `cbor:"stored"`
}

// Store is a bbolt backed credential store.
type Store struct {
	db  *bolt.DB
	key [keyLength]byte
}

// Open creates or loads the store at path.  deviceID keys the sealing, a
// store opened with another device id can not read the records.
func Open(path, deviceID string) (*Store, error) {
	s := new(Store)
	kdf := hkdf.New(sha256.New, []byte(deviceID), []byte(hkdfSalt), []byte("sealing key"))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, err
	}

	var err error
	s.db, err = bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err = s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(credentialsBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("credstore: incompatible version: %v", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

// Put stores creds under their username and makes them the last used.
func (s *Store) Put(creds *wire.Credentials) error {
	if creds.Username == "" {
		return errors.New("credstore: credentials without username")
	}
	b, err := cbor.Marshal(&record{
		Username: creds.Username,
		AuthType: creds.AuthType,
		AuthData: creds.AuthData,
		Stored:   time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	defer utils.ExplicitBzero(b)

	var nonce [nonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	sealed := secretbox.Seal(nonce[:], b, &nonce, &s.key)

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(credentialsBucket)).Put([]byte(creds.Username), sealed); err != nil {
			return err
		}
		return tx.Bucket([]byte(metadataBucket)).Put([]byte(lastKey), []byte(creds.Username))
	})
}

// Get returns the credentials stored for username.
func (s *Store) Get(username string) (*wire.Credentials, error) {
	var creds *wire.Credentials
	err := s.db.View(func(tx *bolt.Tx) error {
		sealed := tx.Bucket([]byte(credentialsBucket)).Get([]byte(username))
		if sealed == nil {
			return ErrNotFound
		}
		var err error
		creds, err = s.open(username, sealed)
		return err
	})
	return creds, err
}

// Last returns the most recently stored credentials.
func (s *Store) Last() (*wire.Credentials, error) {
	var username string
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metadataBucket)).Get([]byte(lastKey))
		if b == nil {
			return ErrNotFound
		}
		username = string(b)
		return nil
	}); err != nil {
		return nil, err
	}
	return s.Get(username)
}

// Delete removes the credentials of username.
func (s *Store) Delete(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(credentialsBucket))
		if bkt.Get([]byte(username)) == nil {
			return ErrNotFound
		}
		meta := tx.Bucket([]byte(metadataBucket))
		if string(meta.Get([]byte(lastKey))) == username {
			if err := meta.Delete([]byte(lastKey)); err != nil {
				return err
			}
		}
		return bkt.Delete([]byte(username))
	})
}

// Usernames lists the stored usernames in order.
func (s *Store) Usernames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(credentialsBucket)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

// Close closes the store.
func (s *Store) Close() error {
	utils.ExplicitBzero(s.key[:])
	return s.db.Close()
}

func (s *Store) open(username string, sealed []byte) (*wire.Credentials, error) {
	if len(sealed) < nonceLength+secretbox.Overhead {
		return nil, ErrCorrupted
	}
	var nonce [nonceLength]byte
	copy(nonce[:], sealed)
	b, ok := secretbox.Open(nil, sealed[nonceLength:], &nonce, &s.key)
	if !ok {
		return nil, ErrCorrupted
	}
	defer utils.ExplicitBzero(b)

	var r record
	if err := cbor.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if r.Username != username {
		return nil, fmt.Errorf("%w: record of '%v' stored under '%v'", ErrCorrupted, r.Username, username)
	}
	return &wire.Credentials{
		Username: r.Username,
		AuthType: r.AuthType,
		AuthData: append([]byte(nil), r.AuthData...),
	}, nil
}
