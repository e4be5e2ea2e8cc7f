// Copyright 2018-2021 CERN
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

// Package config loads the process-wide YAML configuration.
//
// The file is parsed once at startup into a raw map. The core keys are
// decoded into the typed Core struct here; HTTP services and middlewares
// receive the raw map and decode the sections they care about themselves.
package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Core holds the process-wide tuning knobs.
type Core struct {
	Port        int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	Debug       bool   `mapstructure:"debug"`
	MaxBodySize int64  `mapstructure:"max_body_size" validate:"min=0"`
	ServerDelay int    `mapstructure:"server_delay" validate:"min=0"`
	NumChunks   int    `mapstructure:"num_chunks" validate:"min=0"`
	APIUser     string `mapstructure:"api_user" validate:"required"`

	Log struct {
		Level  string `mapstructure:"level"`
		Mode   string `mapstructure:"mode"`
		Output string `mapstructure:"output"`
	} `mapstructure:"log"`
}

var validate = validator.New()

// Read parses the YAML file at path into a raw configuration map.
func Read(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: error reading file")
	}
	m := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "config: error parsing yaml")
	}
	return m, nil
}

// ParseCore decodes and validates the core keys from the raw map.
func ParseCore(m map[string]interface{}) (*Core, error) {
	c := &Core{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "config: error decoding core conf")
	}
	c.init()
	if err := validate.Struct(c); err != nil {
		return nil, errors.Wrap(err, "config: invalid core conf")
	}
	return c, nil
}

func (c *Core) init() {
	if c.Port == 0 {
		c.Port = 3003
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = 5 << 30
	}
	if c.APIUser == "" {
		c.APIUser = "fileapi"
	}
	if c.NumChunks == 0 {
		c.NumChunks = 1
	}
	if c.Debug && c.Log.Level == "" {
		c.Log.Level = "debug"
	}
}
