// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package indexengine defines the capability surface of the opaque
// content-address index engine the coordinator brokers requests to. Per
// spec.md §1 the engine itself — its chunk lookup, persistence, and
// storage format — is an external collaborator referenced only by
// interface; this package never implements one, only describes the
// contract (and, in ./simengine, a fake satisfying it for tests and
// demos).
package indexengine

import (
	"context"
	"errors"
)

// Sentinel statuses an engine call may return. Modeled as plain errors
// compared with errors.Is, rather than the original source's integer UDS_*
// codes, since Go's error chain already gives callers everything
// spec.md §7 asks of "abstract error kinds".
var (
	// ErrCorruptComponent indicates an on-disk index component could not
	// be read back during rebuild.
	ErrCorruptComponent = errors.New("indexengine: corrupt component")
	// ErrNoIndex indicates there is no on-disk index to rebuild.
	ErrNoIndex = errors.New("indexengine: no index")
	// ErrInvalidArgument is returned for a malformed control message.
	ErrInvalidArgument = errors.New("indexengine: invalid argument")
)

// Operation is the kind of chunk operation a request performs.
type Operation int

const (
	Post Operation = iota
	Query
	Update
)

func (o Operation) String() string {
	switch o {
	case Post:
		return "post"
	case Query:
		return "query"
	case Update:
		return "update"
	default:
		return "unknown"
	}
}

// ChunkName is the content address (hash) of a data block.
type ChunkName [32]byte

// ChunkData is the fixed-capacity metadata slot an advice record is
// encoded into or decoded from, per spec.md §3/§4.1.
type ChunkData [10]byte

// Request is submitted to the engine for a single chunk operation. The
// engine invokes Callback exactly once, from any goroutine, when the
// operation completes — synchronously from within StartChunkOperation is
// also permitted (the coordinator's completion path tolerates either).
type Request struct {
	ChunkName   ChunkName
	Type        Operation
	Update      bool
	NewMetadata ChunkData
	OldMetadata ChunkData

	Status error
	Found  bool

	Callback func(*Request)
}

// Nonce is a per-device identifier recorded in the on-disk index, used to
// detect an index belonging to another device.
type Nonce uint64

// Configuration is the engine's on-disk configuration, read back after a
// rebuild to validate the Nonce.
type Configuration interface {
	Nonce() Nonce
}

// SessionStats mirrors spec.md §6's get_session_stats surface.
type SessionStats struct {
	PostsFound      uint64
	PostsNotFound   uint64
	QueriesFound    uint64
	QueriesNotFound uint64
	UpdatesFound    uint64
	UpdatesNotFound uint64
}

// IndexStats mirrors spec.md §6's get_index_stats surface.
type IndexStats struct {
	EntriesIndexed uint64
}

// Session is an opaque handle to an opened index, valid only between a
// successful CreateLocalIndex/RebuildLocalIndex and a CloseIndexSession.
type Session interface{}

// Engine is the capability surface of spec.md §6: any collaborator
// implementing these nine calls is an acceptable index engine. Every
// method may block and sleep and must never be called while the
// coordinator holds its state lock or pending lock (spec.md §5).
type Engine interface {
	CreateLocalIndex(ctx context.Context, name string, config Configuration) (Session, error)
	RebuildLocalIndex(ctx context.Context, name string) (Session, error)
	GetIndexConfiguration(ctx context.Context, session Session) (Configuration, error)
	CloseIndexSession(ctx context.Context, session Session) error
	SaveIndex(ctx context.Context, session Session) error
	FlushIndexSession(ctx context.Context, session Session) error
	// StartChunkOperation submits req asynchronously; a non-nil error
	// return means the operation failed synchronously and req.Callback
	// will NOT be invoked by the engine for this submission.
	StartChunkOperation(ctx context.Context, req *Request) error
	GetIndexStats(ctx context.Context, session Session) (IndexStats, error)
	GetSessionStats(ctx context.Context, session Session) (SessionStats, error)
}
