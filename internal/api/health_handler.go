// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package api

import (
	"net/http"

	"github.com/tvaughan/fleet-ca/internal/ca"
)

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
}

// handleLive is the liveness probe: returns 200 as long as the server is running.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReady is the readiness probe: returns 200 once the CA identity is
// loaded or bootstrapped, 503 otherwise. The body names the bootstrap state.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.CA.State()
	if state != ca.StateReady {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not_ready", State: state.String()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", State: state.String()})
}

// handleStartup is the startup probe. Bootstrap either completes or fails
// for good, so it answers exactly like readiness.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	s.handleReady(w, r)
}
