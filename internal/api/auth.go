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
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/tvaughan/fleet-ca/internal/authz"
)

var errUntrustedClient = errors.New("client certificate not trusted")

// requester derives the authorization identity of r: the CN of a verified,
// unrevoked client certificate (if one was presented) and the remote
// address. A presented certificate that fails either check is an error
// rather than an anonymous request.
func (s *Server) requester(r *http.Request) (authz.Requester, error) {
	req := authz.Requester{IP: remoteIP(r)}
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return req, nil
	}

	clientCert := r.TLS.PeerCertificates[0]
	if s.CA.CACert == nil {
		return req, fmt.Errorf("%w: CA is not ready", errUntrustedClient)
	}
	pool := x509.NewCertPool()
	pool.AddCert(s.CA.CACert)
	if _, err := clientCert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return req, fmt.Errorf("%w: %s: %v", errUntrustedClient, clientCert.Subject.CommonName, err)
	}

	cn := clientCert.Subject.CommonName
	if s.CA.IsRevoked(cn) {
		return req, fmt.Errorf("%w: %s is revoked", errUntrustedClient, cn)
	}
	req.Name = cn
	return req, nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// guard checks the caller against rt's namespace before next runs. Public
// routes, and every route when no engine is configured, pass straight
// through. On self routes a client whose CN equals the {subject} path
// segment is let in without consulting the engine.
func (s *Server) guard(rt route, next http.Handler) http.Handler {
	if s.Authz == nil || rt.namespace == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := s.requester(r)
		if err != nil {
			slog.Debug("Auth: client certificate rejected",
				"request_id", RequestID(r.Context()), "error", err)
			writeError(w, http.StatusForbidden, KindForbidden, "access denied")
			return
		}

		if rt.self && req.Name != "" && req.Name == r.PathValue("subject") {
			next.ServeHTTP(w, r)
			return
		}

		if err := s.Authz.Authorize(rt.namespace, req); err != nil {
			slog.Info("Request denied",
				"request_id", RequestID(r.Context()),
				"namespace", rt.namespace, "name", req.Name, "ip", req.IP)
			mapError(w, err, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
