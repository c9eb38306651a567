// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package simengine is an in-memory fake implementing indexengine.Engine
// over a plain Go map keyed by chunk name. It supplements the coordinator
// with a runnable stand-in for the real out-of-process UDS/Albireo engine,
// mirroring how the teacher ships secondary/stubs/nitro/{mm,plasma} stub
// packages (referenced from settings.go) in place of engines it doesn't
// build from source. Used by the coordinator's own tests and by
// cmd/dedupe-coordinatord's -demo mode.
package simengine

import (
	"context"
	"sync"

	"github.com/couchbase/dedupe-coordinator/internal/indexengine"
)

type config struct {
	nonce indexengine.Nonce
}

func (c config) Nonce() indexengine.Nonce { return c.nonce }

// Config builds an indexengine.Configuration carrying nonce.
func Config(nonce indexengine.Nonce) indexengine.Configuration {
	return config{nonce: nonce}
}

type session struct {
	engine *Engine
}

// Engine is a single-process, in-memory content-address index. Every
// method is synchronous; StartChunkOperation invokes the request's
// callback inline rather than truly asynchronously, which is explicitly
// permitted by the Engine contract.
type Engine struct {
	mu      sync.Mutex
	entries map[indexengine.ChunkName]indexengine.ChunkData
	nonce   indexengine.Nonce

	opened bool

	stats indexengine.SessionStats

	// Hooks let tests inject failures or delays without a second fake
	// implementation.
	BeforeCreate  func(name string) error
	BeforeRebuild func(name string) error
	BeforeStart   func(req *indexengine.Request) error
}

// New creates an engine whose rebuilt/created index will report nonce via
// GetIndexConfiguration.
func New(nonce indexengine.Nonce) *Engine {
	return &Engine{
		entries: make(map[indexengine.ChunkName]indexengine.ChunkData),
		nonce:   nonce,
	}
}

func (e *Engine) CreateLocalIndex(_ context.Context, name string, cfg indexengine.Configuration) (indexengine.Session, error) {
	if e.BeforeCreate != nil {
		if err := e.BeforeCreate(name); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = make(map[indexengine.ChunkName]indexengine.ChunkData)
	if cfg != nil {
		e.nonce = cfg.Nonce()
	}
	e.opened = true
	return &session{engine: e}, nil
}

func (e *Engine) RebuildLocalIndex(_ context.Context, name string) (indexengine.Session, error) {
	if e.BeforeRebuild != nil {
		if err := e.BeforeRebuild(name); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = true
	return &session{engine: e}, nil
}

func (e *Engine) GetIndexConfiguration(_ context.Context, _ indexengine.Session) (indexengine.Configuration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return config{nonce: e.nonce}, nil
}

func (e *Engine) CloseIndexSession(_ context.Context, _ indexengine.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = false
	return nil
}

func (e *Engine) SaveIndex(_ context.Context, _ indexengine.Session) error      { return nil }
func (e *Engine) FlushIndexSession(_ context.Context, _ indexengine.Session) error { return nil }

func (e *Engine) StartChunkOperation(_ context.Context, req *indexengine.Request) error {
	if e.BeforeStart != nil {
		if err := e.BeforeStart(req); err != nil {
			return err
		}
	}
	e.mu.Lock()
	existing, found := e.entries[req.ChunkName]
	switch req.Type {
	case indexengine.Post:
		if found {
			e.stats.PostsFound++
		} else {
			e.stats.PostsNotFound++
			e.entries[req.ChunkName] = req.NewMetadata
		}
	case indexengine.Query:
		if found {
			e.stats.QueriesFound++
		} else {
			e.stats.QueriesNotFound++
		}
	case indexengine.Update:
		if found {
			e.stats.UpdatesFound++
			e.entries[req.ChunkName] = req.NewMetadata
		} else {
			e.stats.UpdatesNotFound++
		}
	}
	e.mu.Unlock()

	req.Found = found
	req.OldMetadata = existing
	req.Status = nil
	if req.Callback != nil {
		req.Callback(req)
	}
	return nil
}

func (e *Engine) GetIndexStats(_ context.Context, _ indexengine.Session) (indexengine.IndexStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return indexengine.IndexStats{EntriesIndexed: uint64(len(e.entries))}, nil
}

func (e *Engine) GetSessionStats(_ context.Context, _ indexengine.Session) (indexengine.SessionStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, nil
}
