// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stepstore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"

	"github.com/stepmill/stepmill/sdk/go/stepmill"
	"golang.org/x/crypto/nacl/secretbox"
)

// sealCredentials serializes creds and, if the store has a key,
// encrypts them with a fresh nonce prepended to the box. Empty
// credentials are stored as NULL.
func (st *Store) sealCredentials(creds stepmill.Credentials) ([]byte, error) {
	if creds.Empty() {
		return nil, nil
	}
	buf, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	if st.key == nil {
		return buf, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], buf, &nonce, st.key), nil
}

// openCredentials reverses sealCredentials.
func (st *Store) openCredentials(sealed []byte) (stepmill.Credentials, error) {
	var creds stepmill.Credentials
	if len(sealed) == 0 {
		return creds, nil
	}
	buf := sealed
	if st.key != nil {
		if len(sealed) < 24 {
			return creds, errors.New("sealed credentials too short")
		}
		var nonce [24]byte
		copy(nonce[:], sealed[:24])
		var ok bool
		buf, ok = secretbox.Open(nil, sealed[24:], &nonce, st.key)
		if !ok {
			return creds, errors.New("cannot open sealed credentials (wrong CredentialsKey?)")
		}
	}
	err := json.Unmarshal(buf, &creds)
	return creds, err
}
