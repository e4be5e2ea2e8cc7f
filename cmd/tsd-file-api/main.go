// Copyright 2018-2023 CERN
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

package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/FBernal-oPs/tsd-file-api/internal/http/interceptors/appctx"
	"github.com/FBernal-oPs/tsd-file-api/internal/http/interceptors/auth"
	logmw "github.com/FBernal-oPs/tsd-file-api/internal/http/interceptors/log"
	_ "github.com/FBernal-oPs/tsd-file-api/internal/http/services/loader"
	"github.com/FBernal-oPs/tsd-file-api/pkg/config"
	"github.com/FBernal-oPs/tsd-file-api/pkg/logger"
	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp"
	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp/global"
	"github.com/mitchellh/mapstructure"
)

var version = "devel"

var (
	confFile    = flag.String("c", "/etc/tsd-file-api/config.yaml", "configuration file")
	showVersion = flag.Bool("version", false, "print version and exit")
)

type httpConf struct {
	HTTP struct {
		Services map[string]map[string]interface{} `mapstructure:"services"`
	} `mapstructure:"http"`
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	m, err := config.Read(*confFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	core, err := config.ParseCore(m)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Options{
		Level:  core.Log.Level,
		Mode:   core.Log.Mode,
		Output: core.Log.Output,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	hc := &httpConf{}
	if err := mapstructure.Decode(m, hc); err != nil {
		log.Fatal().Err(err).Msg("error decoding http conf")
	}
	if len(hc.HTTP.Services) == 0 {
		log.Fatal().Msg("no http services enabled")
	}

	// every service decodes the sections it needs from the full map
	svcConfs := make(map[string]map[string]interface{}, len(hc.HTTP.Services))
	for name := range hc.HTTP.Services {
		svcConfs[name] = m
	}
	services, err := rhttp.InitServices(svcConfs, log)
	if err != nil {
		log.Fatal().Err(err).Msg("error initializing http services")
	}

	var unprotected []string
	for _, svc := range services {
		for _, u := range svc.Unprotected() {
			unprotected = append(unprotected, path.Join("/", svc.Prefix(), u))
		}
	}

	authMw, err := auth.New(m, unprotected)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating auth middleware")
	}
	middlewares := []global.Middleware{
		appctx.New(*log),
		logmw.New(),
		authMw,
	}

	srv, err := rhttp.New(
		rhttp.WithServices(services),
		rhttp.WithMiddlewares(middlewares),
		rhttp.WithLogger(*log),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating http server")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", core.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("error listening")
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(ln)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigc:
		log.Info().Msgf("%s received, shutting down", sig)
		if err := srv.GracefulStop(); err != nil {
			log.Error().Err(err).Msg("error during shutdown")
		}
	}
}
