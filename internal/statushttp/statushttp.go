// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.
// Package statushttp exposes the coordinator's read-only status/stats
// attributes and its one writable control message over HTTP, grounded on
// the teacher's settings.go registration pattern
// (http.HandleFunc("/settings", ...), http.HandleFunc("/triggerCompaction",
// ...)). It is the Go-native stand-in for the original source's sysfs
// dedupe_status_show/dedupe_status_store attribute.
package statushttp

import (
	"encoding/json"
	"net/http"

	"github.com/couchbase/dedupe-coordinator/internal/coordinator"
	"github.com/couchbase/dedupe-coordinator/internal/telemetry/log"
)

// Coordinator is the subset of *coordinator.Coordinator this package
// needs.
type Coordinator = *coordinator.Coordinator

// Handler registers the three routes on mux.
func Handler(mux *http.ServeMux, c Coordinator) {
	mux.HandleFunc("/dedupe/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := w.Write([]byte(c.Status())); err != nil {
			log.ErrorfErr(err, "statushttp: writing status response")
		}
	})

	mux.HandleFunc("/dedupe/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Stats(r.Context())); err != nil {
			log.ErrorfErr(err, "statushttp: encoding stats response")
		}
	})

	mux.HandleFunc("/dedupe/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cmd := r.URL.Query().Get("cmd")
		if err := c.Message(cmd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
