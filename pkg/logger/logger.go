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

// Package logger constructs the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Options describe how the logger writes.
type Options struct {
	Level  string // zerolog level name, empty means info
	Output string // file path, empty means stderr
	Mode   string // "json" or "console"
}

// New returns a logger built from the given options.
func New(o *Options) (*zerolog.Logger, error) {
	if o == nil {
		o = &Options{}
	}

	lvl, err := parseLevel(o.Level)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	switch o.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		fd, err := os.OpenFile(o.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, errors.Wrap(err, "logger: error opening output file")
		}
		w = fd
	}

	if o.Mode == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	return &zl, nil
}

func parseLevel(v string) (zerolog.Level, error) {
	if v == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(v)
	if err != nil {
		return zerolog.Disabled, errors.Wrapf(err, "logger: invalid level %q", v)
	}
	return lvl, nil
}
