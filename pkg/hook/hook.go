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

// Package hook runs the per-backend post-upload command. The hook is
// advisory: it runs detached from the request, and a failing hook never
// fails the upload that triggered it.
package hook

import (
	"context"
	"os/exec"

	"github.com/FBernal-oPs/tsd-file-api/pkg/appctx"
)

// Fire spawns "<command> <path> <user> <apiUser> <group>" in the
// background. The hook inherits no request deadline: uploads commit
// before it runs and must not be held hostage by it.
func Fire(ctx context.Context, command, path, user, apiUser, group string) {
	log := appctx.GetLogger(ctx)
	if command == "" {
		return
	}
	cmd := exec.Command(command, path, user, apiUser, group)
	go func() {
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Error().Err(err).Str("hook", command).Str("path", path).
				Bytes("output", out).Msg("request hook failed")
			return
		}
		log.Debug().Str("hook", command).Str("path", path).Msg("request hook done")
	}()
}
