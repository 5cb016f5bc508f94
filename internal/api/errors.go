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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tvaughan/fleet-ca/internal/authz"
	"github.com/tvaughan/fleet-ca/internal/ca"
)

// Error kinds carried in the "kind" field of JSON error bodies. fleet-ca-ctl
// maps them back to exit codes.
const (
	KindBadRequest           = "bad_request"
	KindInvalidSubject       = "invalid_subject"
	KindNotFound             = "not_found"
	KindCertExists           = "cert_exists"
	KindMissingRequest       = "missing_request"
	KindExtensionsDisallowed = "extensions_disallowed"
	KindForbidden            = "forbidden"
	KindIdentityMismatch     = "identity_mismatch"
	KindNoAuthority          = "no_authority"
	KindLockUnavailable      = "lock_unavailable"
	KindConflict             = "conflict"
	KindInternal             = "internal"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

// mapError writes err with the status and kind of the first sentinel it
// wraps. Errors that wrap none of them get fallback.
func mapError(w http.ResponseWriter, err error, fallback int) {
	switch {
	case errors.Is(err, ca.ErrInvalidSubject):
		writeError(w, http.StatusBadRequest, KindInvalidSubject, err.Error())
	case errors.Is(err, ca.ErrNotFound):
		writeError(w, http.StatusNotFound, KindNotFound, err.Error())
	case errors.Is(err, ca.ErrCertExists):
		writeError(w, http.StatusConflict, KindCertExists, err.Error())
	case errors.Is(err, ca.ErrMissingRequest):
		writeError(w, http.StatusConflict, KindMissingRequest, err.Error())
	case errors.Is(err, ca.ErrExtensionsDisallowed):
		writeError(w, http.StatusConflict, KindExtensionsDisallowed, err.Error())
	case errors.Is(err, authz.ErrAuthorizationDenied):
		writeError(w, http.StatusForbidden, KindForbidden, err.Error())
	case errors.Is(err, ca.ErrIdentityMismatch):
		slog.Error("CA identity mismatch", "error", err)
		writeError(w, http.StatusInternalServerError, KindIdentityMismatch, err.Error())
	case errors.Is(err, ca.ErrNoAuthority):
		slog.Error("CA has no identity", "error", err)
		writeError(w, http.StatusInternalServerError, KindNoAuthority, err.Error())
	case errors.Is(err, ca.ErrLockUnavailable):
		writeError(w, http.StatusServiceUnavailable, KindLockUnavailable, err.Error())
	case errors.Is(err, ca.ErrInternal):
		writeError(w, http.StatusInternalServerError, KindInternal, err.Error())
	default:
		writeError(w, fallback, fallbackKind(fallback), err.Error())
	}
}

func fallbackKind(status int) string {
	switch status {
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusConflict:
		return KindConflict
	case http.StatusNotFound:
		return KindNotFound
	default:
		return KindInternal
	}
}
