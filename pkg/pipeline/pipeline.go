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

// Package pipeline routes an upload body to its destination through a
// chain of spawned decoder processes keyed by Content-Type.
//
// Decryption, decompression and archive extraction are delegated to
// trusted local binaries (openssl, gunzip, tar); the process chain is
// parented to the request and torn down with it. Key material travels
// only in process arguments and is never logged.
//
// Direct writes never expose a partially received body: data lands in
// <target>.<uuid>.part and the canonical name is swapped in on
// finalize, preserving any displaced file under the .part name.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/FBernal-oPs/tsd-file-api/pkg/errtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Content types understood by the dispatcher.
const (
	TypeAES         = "application/aes"
	TypeAESOctet    = "application/aes-octet-stream"
	TypeGz          = "application/gz"
	TypeGzAES       = "application/gz.aes"
	TypeTar         = "application/tar"
	TypeTarGz       = "application/tar.gz"
	TypeTarAES      = "application/tar.aes"
	TypeTarGzAES    = "application/tar.gz.aes"
	TypeOctetStream = "application/octet-stream"
)

// Options parametrize one upload request's pipeline.
type Options struct {
	ContentType string
	Dir         string // tenant import directory
	Filename    string // already validated by the caller
	AesKey      string // decrypted key material, "" when not encrypted
	AesIV       string // explicit IV; "" means the key is a passphrase
}

// Pipeline owns the destination and decoder processes of one request.
type Pipeline struct {
	head    io.WriteCloser
	file    *os.File
	procs   []*exec.Cmd
	part    string
	target  string
	extract bool
}

// New opens the destination and spawns the decoder chain for the given
// Content-Type. Unknown types are written out unchanged.
func New(ctx context.Context, o *Options) (*Pipeline, error) {
	p := &Pipeline{}

	switch o.ContentType {
	case TypeTar, TypeTarGz:
		p.extract = true
		tar := tarCmd(ctx, o.Dir, o.ContentType == TypeTarGz)
		stdin, err := tar.StdinPipe()
		if err != nil {
			return nil, errors.Wrap(err, "pipeline: error opening tar stdin")
		}
		if err := startAll(tar); err != nil {
			return nil, err
		}
		p.head = stdin
		p.procs = []*exec.Cmd{tar}

	case TypeTarAES, TypeTarGzAES:
		p.extract = true
		ssl := opensslCmd(ctx, o, true)
		tar := tarCmd(ctx, o.Dir, o.ContentType == TypeTarGzAES)
		stdin, err := ssl.StdinPipe()
		if err != nil {
			return nil, errors.Wrap(err, "pipeline: error opening openssl stdin")
		}
		if tar.Stdin, err = ssl.StdoutPipe(); err != nil {
			return nil, errors.Wrap(err, "pipeline: error chaining openssl to tar")
		}
		if err := startAll(ssl, tar); err != nil {
			return nil, err
		}
		p.head = stdin
		p.procs = []*exec.Cmd{ssl, tar}

	case TypeAES, TypeAESOctet:
		if err := p.openPart(o); err != nil {
			return nil, err
		}
		ssl := opensslCmd(ctx, o, o.ContentType == TypeAES)
		ssl.Stdout = p.file
		stdin, err := ssl.StdinPipe()
		if err != nil {
			p.closePart()
			return nil, errors.Wrap(err, "pipeline: error opening openssl stdin")
		}
		if err := startAll(ssl); err != nil {
			p.closePart()
			return nil, err
		}
		p.head = stdin
		p.procs = []*exec.Cmd{ssl}

	case TypeGz:
		if err := p.openPart(o); err != nil {
			return nil, err
		}
		gz := gunzipCmd(ctx)
		gz.Stdout = p.file
		stdin, err := gz.StdinPipe()
		if err != nil {
			p.closePart()
			return nil, errors.Wrap(err, "pipeline: error opening gunzip stdin")
		}
		if err := startAll(gz); err != nil {
			p.closePart()
			return nil, err
		}
		p.head = stdin
		p.procs = []*exec.Cmd{gz}

	case TypeGzAES:
		if err := p.openPart(o); err != nil {
			return nil, err
		}
		ssl := opensslCmd(ctx, o, true)
		gz := gunzipCmd(ctx)
		gz.Stdout = p.file
		stdin, err := ssl.StdinPipe()
		if err != nil {
			p.closePart()
			return nil, errors.Wrap(err, "pipeline: error opening openssl stdin")
		}
		if gz.Stdin, err = ssl.StdoutPipe(); err != nil {
			p.closePart()
			return nil, errors.Wrap(err, "pipeline: error chaining openssl to gunzip")
		}
		if err := startAll(ssl, gz); err != nil {
			p.closePart()
			return nil, err
		}
		p.head = stdin
		p.procs = []*exec.Cmd{ssl, gz}

	default:
		// identity: write the body as-is
		if err := p.openPart(o); err != nil {
			return nil, err
		}
		p.head = p.file
	}

	return p, nil
}

func (p *Pipeline) openPart(o *Options) error {
	p.target = filepath.Join(o.Dir, o.Filename)
	p.part = fmt.Sprintf("%s.%s.part", p.target, uuid.New().String())
	fd, err := os.OpenFile(p.part, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return errors.Wrap(errtypes.InternalError("error opening upload target"), err.Error())
	}
	p.file = fd
	return nil
}

func (p *Pipeline) closePart() {
	if p.file != nil {
		p.file.Close()
	}
}

func startAll(cmds ...*exec.Cmd) error {
	for _, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			return errors.Wrap(errtypes.InternalError("error starting decoder process"), err.Error())
		}
	}
	return nil
}

// opensslCmd builds the AES-256-CBC decryption stage. With an explicit
// IV the key is raw material, otherwise it acts as a passphrase; armor
// selects the base64 wrapping flag.
func opensslCmd(ctx context.Context, o *Options, armor bool) *exec.Cmd {
	args := []string{"enc", "-aes-256-cbc", "-d"}
	if armor {
		args = append(args, "-a")
	}
	if o.AesIV != "" {
		args = append(args, "-K", o.AesKey, "-iv", o.AesIV)
	} else {
		args = append(args, "-pass", "pass:"+o.AesKey)
	}
	return exec.CommandContext(ctx, "openssl", args...)
}

func gunzipCmd(ctx context.Context) *exec.Cmd {
	return exec.CommandContext(ctx, "gunzip", "-c", "-")
}

func tarCmd(ctx context.Context, dir string, gzipped bool) *exec.Cmd {
	flags := "-xf"
	if gzipped {
		flags = "-xzf"
	}
	return exec.CommandContext(ctx, "tar", "-C", dir, flags, "-")
}

// Write feeds one body chunk into the head of the chain. Errors are
// fatal to the request.
func (p *Pipeline) Write(b []byte) (int, error) {
	return p.head.Write(b)
}

// Finalize closes the chain stage by stage, waits for every process to
// exit and commits the .part file to its canonical name. It returns
// the final path ("" for archive extraction).
func (p *Pipeline) Finalize(ctx context.Context) (string, error) {
	if p.head == p.file {
		if err := p.file.Sync(); err != nil {
			p.Abort()
			return "", errors.Wrap(errtypes.InternalError("error syncing upload target"), err.Error())
		}
	}
	if err := p.head.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.Abort()
		return "", errors.Wrap(errtypes.InternalError("error closing stream head"), err.Error())
	}
	for _, cmd := range p.procs {
		if err := cmd.Wait(); err != nil {
			p.Abort()
			return "", errors.Wrap(errtypes.InternalError("decoder process failed"), err.Error())
		}
	}

	if p.extract {
		return "", nil
	}

	if p.file != p.head {
		// the chain wrote through the file; close and flush it now
		if err := p.file.Sync(); err != nil {
			return "", errors.Wrap(errtypes.InternalError("error syncing upload target"), err.Error())
		}
		if err := p.file.Close(); err != nil {
			return "", errors.Wrap(errtypes.InternalError("error closing upload target"), err.Error())
		}
	}

	if err := p.commit(); err != nil {
		return "", err
	}
	return p.target, nil
}

// commit swaps the .part file into the canonical name. A pre-existing
// file is preserved under the .part name for inspection.
func (p *Pipeline) commit() error {
	if _, err := os.Stat(p.target); err == nil {
		displaced := p.target + ".displaced." + uuid.New().String()
		if err := os.Rename(p.target, displaced); err != nil {
			return errors.Wrap(errtypes.InternalError("error displacing previous file"), err.Error())
		}
		if err := os.Rename(p.part, p.target); err != nil {
			return errors.Wrap(errtypes.InternalError("error committing upload"), err.Error())
		}
		if err := os.Rename(displaced, p.part); err != nil {
			return errors.Wrap(errtypes.InternalError("error preserving previous file"), err.Error())
		}
	} else {
		if err := os.Rename(p.part, p.target); err != nil {
			return errors.Wrap(errtypes.InternalError("error committing upload"), err.Error())
		}
	}
	// finalized files gain group access
	os.Chmod(p.target, 0o660) //nolint:errcheck
	return nil
}

// Abort tears the pipeline down after a failure or client disconnect:
// processes are killed, the destination is closed and any .part file is
// left behind for garbage collection outside the request path.
func (p *Pipeline) Abort() {
	if p.head != nil && p.head != p.file {
		p.head.Close() //nolint:errcheck
	}
	for _, cmd := range p.procs {
		if cmd.Process != nil {
			cmd.Process.Kill() //nolint:errcheck
			cmd.Wait()         //nolint:errcheck
		}
	}
	p.closePart()
}
