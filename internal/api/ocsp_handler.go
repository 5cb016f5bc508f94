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
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	xocsp "golang.org/x/crypto/ocsp"

	"github.com/tvaughan/fleet-ca/internal/ca"
)

// handleOCSP answers RFC 6960 requests from the ledger:
//
//	POST /ocsp           DER-encoded OCSPRequest in the body
//	GET  /ocsp/{request} base64 DER in the path (standard or unpadded URL-safe)
//
// Failures are OCSP error responses, not JSON.
func (s *Server) handleOCSP(w http.ResponseWriter, r *http.Request) {
	var (
		reqDER []byte
		err    error
	)

	switch r.Method {
	case http.MethodGet:
		encoded := r.PathValue("request")
		reqDER, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			// RFC 6960 §A.1 GET form.
			reqDER, err = base64.RawURLEncoding.DecodeString(encoded)
			if err != nil {
				writeOCSPError(w, http.StatusBadRequest, xocsp.MalformedRequestErrorResponse)
				return
			}
		}
	case http.MethodPost:
		reqDER, err = io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			writeOCSPError(w, http.StatusBadRequest, xocsp.MalformedRequestErrorResponse)
			return
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, KindBadRequest, "method not allowed")
		return
	}

	respDER, err := s.CA.OCSPResponse(reqDER)
	if err != nil {
		if errors.Is(err, ca.ErrInternal) {
			slog.Error("OCSP internal error", "request_id", RequestID(r.Context()), "error", err)
			writeOCSPError(w, http.StatusInternalServerError, xocsp.InternalErrorErrorResponse)
		} else {
			slog.Warn("OCSP request error", "request_id", RequestID(r.Context()), "error", err)
			writeOCSPError(w, http.StatusBadRequest, xocsp.MalformedRequestErrorResponse)
		}
		return
	}

	w.Header().Set("Content-Type", "application/ocsp-response")
	if r.Method == http.MethodGet {
		w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d, public", int(ca.OCSPValidity.Seconds())))
	}
	w.Write(respDER) //nolint:errcheck
}

func writeOCSPError(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck
}
