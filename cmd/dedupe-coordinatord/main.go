// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Command dedupe-coordinatord runs the deduplication-index coordinator as
// a standalone HTTP-exposed daemon. With -demo it wires an in-memory
// simengine.Engine instead of a real UDS/Albireo binary, so the full
// session/dispatch state machine can be exercised without one.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/couchbase/dedupe-coordinator/internal/config"
	"github.com/couchbase/dedupe-coordinator/internal/coordinator"
	"github.com/couchbase/dedupe-coordinator/internal/indexengine"
	"github.com/couchbase/dedupe-coordinator/internal/indexengine/simengine"
	"github.com/couchbase/dedupe-coordinator/internal/statushttp"
	"github.com/couchbase/dedupe-coordinator/internal/telemetry/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a TOML tunables file")
		listenAddr = flag.String("listen", ":8420", "HTTP status/control listen address")
		demo       = flag.Bool("demo", false, "use an in-memory fake index engine instead of a real one")
		createFlag = flag.Bool("create", false, "force creating a fresh index on startup")
	)
	flag.Parse()

	log.SetLogger(zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger())

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if !*demo && cfg.ParentDeviceName == "" {
		return fmt.Errorf("parent_device_name must be set in the config file unless -demo is used")
	}

	var engine indexengine.Engine
	if *demo {
		if cfg.ParentDeviceName == "" {
			cfg.ParentDeviceName = "demo0"
		}
		engine = simengine.New(cfg.EngineNonce())
	} else {
		return fmt.Errorf("no real index engine is built into this binary; run with -demo")
	}

	c, err := coordinator.New(cfg, engine)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	c.Start(*createFlag)
	defer func() {
		c.Stop()
		if err := c.Finish(); err != nil {
			log.ErrorfErr(err, "error joining coordinator on shutdown")
		}
	}()

	mux := http.NewServeMux()
	statushttp.Handler(mux, c)
	server := &http.Server{Addr: *listenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	log.Infof("dedupe-coordinatord listening on %s", *listenAddr)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
