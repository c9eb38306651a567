// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package advice encodes and decodes the fixed-width duplicate-advice
// record carried in the metadata field of an index request.
package advice

import (
	"encoding/binary"

	"github.com/couchbase/dedupe-coordinator/internal/telemetry/log"
)

const (
	// Version is the only advice encoding this coordinator will write or
	// accept. Version 1 was the legacy user-space (32-byte) encoding and
	// is rejected on decode.
	Version = 2

	legacyUserspaceVersion = 1

	// Size is the on-wire size of an advice record: version byte, state
	// byte, and a little-endian uint64 physical block number.
	Size = 1 + 1 + 8
)

// Record is the fixed-capacity wire slot an index request carries advice
// in. Callers must not interpret bytes beyond Size; the array is sized
// exactly to the wire format so there are none.
type Record [Size]byte

// Advice is a hint that a given chunk name was previously stored at PBN.
// It must be verified by the data path before use.
type Advice struct {
	State byte
	PBN   uint64
}

// Encode writes version, advice.State, and advice.PBN (little-endian) into
// dst, writing exactly Size bytes.
func Encode(dst *Record, a Advice) {
	dst[0] = Version
	dst[1] = a.State
	binary.LittleEndian.PutUint64(dst[2:], a.PBN)
}

// Decode returns the advice carried in payload, but only if the request
// succeeded, the index reported the chunk as found, and the record's
// version byte is Version. Any other version yields no advice and logs a
// diagnostic.
func Decode(payload Record, succeeded, found bool) (Advice, bool) {
	if !succeeded || !found {
		return Advice{}, false
	}
	version := payload[0]
	if version != Version {
		if version == legacyUserspaceVersion {
			log.Debugf("advice: rejecting legacy user-space advice version %d", version)
		} else {
			log.Errorf("advice: invalid advice version code %d", version)
		}
		return Advice{}, false
	}
	return Advice{
		State: payload[1],
		PBN:   binary.LittleEndian.Uint64(payload[2:]),
	}, true
}
