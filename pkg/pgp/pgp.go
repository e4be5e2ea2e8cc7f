// Copyright 2018-2022 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package pgp decrypts symmetric key material sent in the Aes-Key
// header: the client encrypts the AES key with the service's public PGP
// key and base64-encodes the result. The decrypted value is only ever
// handed to spawned decoder processes, never logged.
package pgp

import (
	"bytes"
	"encoding/base64"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Keyring holds the service's private PGP material.
type Keyring struct {
	entities openpgp.EntityList
}

type config struct {
	PGP struct {
		PrivateKey string `mapstructure:"private_key"`
		Passphrase string `mapstructure:"passphrase"`
	} `mapstructure:"pgp"`
}

// NewKeyring loads the private keyring named in the raw configuration
// map (keys pgp.private_key and pgp.passphrase).
func NewKeyring(m map[string]interface{}) (*Keyring, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "pgp: error decoding conf")
	}
	if c.PGP.PrivateKey == "" {
		return nil, errors.New("pgp: no private key configured")
	}

	fd, err := os.Open(c.PGP.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "pgp: error opening private key")
	}
	defer fd.Close()

	entities, err := openpgp.ReadArmoredKeyRing(fd)
	if err != nil {
		// retry as a binary keyring
		if _, serr := fd.Seek(0, io.SeekStart); serr != nil {
			return nil, errors.Wrap(serr, "pgp: error rewinding key file")
		}
		entities, err = openpgp.ReadKeyRing(fd)
		if err != nil {
			return nil, errors.Wrap(err, "pgp: error reading keyring")
		}
	}

	if c.PGP.Passphrase != "" {
		pw := []byte(c.PGP.Passphrase)
		for _, e := range entities {
			if e.PrivateKey != nil && e.PrivateKey.Encrypted {
				if err := e.PrivateKey.Decrypt(pw); err != nil {
					return nil, errors.Wrap(err, "pgp: error decrypting private key")
				}
			}
			for _, sk := range e.Subkeys {
				if sk.PrivateKey != nil && sk.PrivateKey.Encrypted {
					if err := sk.PrivateKey.Decrypt(pw); err != nil {
						return nil, errors.Wrap(err, "pgp: error decrypting subkey")
					}
				}
			}
		}
	}

	return &Keyring{entities: entities}, nil
}

// DecryptKey decodes and decrypts the Aes-Key header value.
func (k *Keyring) DecryptKey(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", errors.Wrap(err, "pgp: error decoding key header")
	}

	md, err := openpgp.ReadMessage(bytes.NewReader(raw), k.entities, nil, nil)
	if err != nil {
		return "", errors.Wrap(err, "pgp: error reading message")
	}

	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return "", errors.Wrap(err, "pgp: error decrypting key")
	}

	return strings.TrimSpace(string(plain)), nil
}
