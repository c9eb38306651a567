// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package config loads the coordinator's own tunables from a TOML file
// using github.com/BurntSushi/toml, the same library present in both
// ethereum-go-ethereum's and joeycumines-go-utilpkg's dependency trees.
// The block-map / device-naming system that ultimately supplies
// ParentDeviceName and IndexRegionBlocks is an external collaborator
// (spec.md §1 Non-goals); this package only parses the coordinator's own
// configuration surface.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/couchbase/dedupe-coordinator/internal/indexengine"
)

// blockSize is the device block size used to turn IndexRegionBlocks into a
// byte size for the index name, per spec.md §6's
// "dev=<parent_device_name> offset=4096 size=<bytes>" format.
const blockSize = 4096

// Config is the coordinator's full set of tunables.
type Config struct {
	TimeoutIntervalMS   int64  `toml:"timeout_interval_ms"`
	MinTimerIntervalMS  int64  `toml:"min_timer_interval_ms"`
	ReportingIntervalMS int64  `toml:"reporting_interval_ms"`
	IndexRegionBlocks   int64  `toml:"index_region_blocks"`
	ParentDeviceName    string `toml:"parent_device_name"`
	Nonce               uint64 `toml:"nonce"`
}

// Default returns a Config with spec.md's documented default intervals
// (5s timeout, 100ms min timer interval) and no device bound yet.
func Default() Config {
	return Config{
		TimeoutIntervalMS:   5000,
		MinTimerIntervalMS:  100,
		ReportingIntervalMS: 60000,
	}
}

// Load parses path as TOML into a Config seeded with Default()'s values, so
// a file that omits a field keeps the default rather than zeroing it.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
	}
	return cfg, nil
}

// Timeout returns the request expiration window as a time.Duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutIntervalMS) * time.Millisecond
}

// MinTimerInterval returns the pending tracker's timer floor.
func (c Config) MinTimerInterval() time.Duration {
	return time.Duration(c.MinTimerIntervalMS) * time.Millisecond
}

// ReportingInterval returns the timeout-event reporter's coalescing window.
func (c Config) ReportingInterval() time.Duration {
	return time.Duration(c.ReportingIntervalMS) * time.Millisecond
}

// IndexName builds the index name string the engine is created/rebuilt
// against, per spec.md §6.
func (c Config) IndexName() string {
	return fmt.Sprintf("dev=%s offset=%d size=%d", c.ParentDeviceName, blockSize, c.IndexRegionBlocks*blockSize)
}

// EngineNonce returns the configured nonce as an indexengine.Nonce.
func (c Config) EngineNonce() indexengine.Nonce {
	return indexengine.Nonce(c.Nonce)
}
