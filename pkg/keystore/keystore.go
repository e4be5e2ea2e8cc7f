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

// Package keystore looks up the per-tenant JWT verification key.
//
// Two modes: a single static secret shared by all tenants, or a sqlite
// store with one row per tenant (the project_jwks table). Lookups from
// the store are cached with a TTL so key rotation is picked up without
// hitting the database on every request.
package keystore

import (
	"context"
	"database/sql"
	"time"

	"github.com/FBernal-oPs/tsd-file-api/pkg/errtypes"
	"github.com/jellydator/ttlcache/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const cacheTTL = 5 * time.Minute

// Store resolves the signing key for a tenant.
type Store interface {
	Get(ctx context.Context, pnum string) (string, error)
}

type config struct {
	UseSecretStore bool   `mapstructure:"use_secret_store"`
	SecretStore    string `mapstructure:"secret_store"`
	Secret         string `mapstructure:"secret"`
}

// New builds a Store from the raw configuration map.
func New(m map[string]interface{}) (Store, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "keystore: error decoding conf")
	}
	if !c.UseSecretStore {
		if c.Secret == "" {
			return nil, errors.New("keystore: no static secret configured")
		}
		return &staticStore{secret: c.Secret}, nil
	}

	db, err := sql.Open("sqlite3", c.SecretStore)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: error opening secret store")
	}

	cache := ttlcache.NewCache()
	_ = cache.SetTTL(cacheTTL)
	cache.SkipTTLExtensionOnHit(true)

	return &sqlStore{db: db, cache: cache}, nil
}

type staticStore struct {
	secret string
}

func (s *staticStore) Get(_ context.Context, _ string) (string, error) {
	return s.secret, nil
}

type sqlStore struct {
	db    *sql.DB
	cache *ttlcache.Cache
}

func (s *sqlStore) Get(ctx context.Context, pnum string) (string, error) {
	if v, err := s.cache.Get(pnum); err == nil {
		return v.(string), nil
	}

	var secret string
	err := s.db.QueryRowContext(ctx, "select secret from project_jwks where pnum = ?", pnum).Scan(&secret)
	if err == sql.ErrNoRows {
		return "", errtypes.NotFound("no key for tenant: " + pnum)
	}
	if err != nil {
		return "", errors.Wrap(errtypes.InternalError("keystore lookup failed"), err.Error())
	}

	_ = s.cache.Set(pnum, secret)
	return secret, nil
}
