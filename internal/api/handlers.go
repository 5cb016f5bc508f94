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

// Package api serves the CA over HTTP: certificate status, requests,
// signing, revocation, server-side generation, CRL and OCSP, plus health
// probes and Prometheus metrics.
package api

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/tvaughan/fleet-ca/internal/authz"
	"github.com/tvaughan/fleet-ca/internal/ca"
	"github.com/tvaughan/fleet-ca/internal/metrics"
)

// Prefix is the versioned path every CA route is also served under.
const Prefix = "/fleet-ca/v1"

// KindNotReady is returned while the CA has not finished bootstrapping.
const KindNotReady = "not_ready"

type Server struct {
	CA *ca.CA
	// Authz gates every non-public route by operation namespace. Nil means
	// no authorization at all (plain HTTP / dev mode).
	Authz *authz.Engine
}

func New(c *ca.CA) *Server {
	return &Server{CA: c}
}

// route is one CA endpoint. An empty namespace marks a public route.
type route struct {
	method, path string
	namespace    string
	// self lets the node named by {subject} call the route for itself.
	self    bool
	handler http.HandlerFunc
}

func (s *Server) routes() []route {
	return []route{
		{"GET", "/certificate_status/{subject}", "cert.status", true, s.handleGetStatus},
		{"PUT", "/certificate_status/{subject}", "cert.status.update", false, s.handlePutStatus},
		{"DELETE", "/certificate_status/{subject}", "cert.clean", false, s.handleDeleteStatus},
		{"GET", "/certificate_statuses", "cert.list", false, s.handleGetStatuses},
		{"GET", "/certificate_statuses/{ignored}", "cert.list", false, s.handleGetStatuses},
		{"GET", "/certificate_request/{subject}", "cert.request", true, s.handleGetRequest},
		{"PUT", "/certificate_request/{subject}", "", false, s.handlePutRequest},
		{"DELETE", "/certificate_request/{subject}", "cert.request.delete", false, s.handleDeleteRequest},
		{"GET", "/certificate/{subject}", "", false, s.handleGetCert},
		{"GET", "/certificate_revocation_list/ca", "", false, s.handleGetCRL},
		{"POST", "/ocsp", "", false, s.handleOCSP},
		{"GET", "/ocsp/{request}", "", false, s.handleOCSP},
		{"GET", "/expirations", "cert.expirations", false, s.handleGetExpirations},
		{"POST", "/sign", "cert.sign", false, s.handlePostSign},
		{"POST", "/sign/all", "cert.sign", false, s.handlePostSignAll},
		{"POST", "/generate/{subject}", "cert.generate", false, s.handlePostGenerate},
	}
}

// Routes registers all handlers and returns the root handler. CA routes are
// served both bare and under Prefix so the CA can be used directly or
// behind a stripping proxy.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	for _, rt := range s.routes() {
		h := instrument(rt.path, s.guard(rt, rt.handler))
		for _, pfx := range []string{"", Prefix} {
			mux.Handle(rt.method+" "+pfx+rt.path, h)
		}
	}

	// Infrastructure endpoints live at bare paths only.
	mux.Handle("GET /healthz/live", instrument("/healthz/live", http.HandlerFunc(s.handleLive)))
	mux.Handle("GET /healthz/ready", instrument("/healthz/ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /healthz/startup", instrument("/healthz/startup", http.HandlerFunc(s.handleStartup)))
	mux.Handle("GET /metrics", metrics.Handler())

	return withRequestID(mux)
}

func writePEM(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write(data) //nolint:errcheck
}

// --- Status ---

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	slog.Debug("GET certificate_status", "subject", subject)

	st, err := s.CA.Status(subject)
	if err != nil {
		mapError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type PutStatusBody struct {
	DesiredState string `json:"desired_state"`
	CertTTL      *int   `json:"cert_ttl,omitempty"` // seconds; 0/absent → default validity
}

func (s *Server) handlePutStatus(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if err := ca.ValidateSubject(subject); err != nil {
		mapError(w, err, http.StatusBadRequest)
		return
	}
	slog.Debug("PUT certificate_status", "subject", subject)

	var body PutStatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch body.DesiredState {
	case ca.StateSigned:
		var err error
		if body.CertTTL != nil && *body.CertTTL > 0 {
			_, err = s.CA.SignWithTTL(subject, time.Duration(*body.CertTTL)*time.Second)
		} else {
			_, err = s.CA.Sign(subject)
		}
		if err != nil {
			slog.Warn("Sign failed", "subject", subject, "error", err)
			mapError(w, err, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case "revoked":
		if err := s.CA.Revoke(subject); err != nil {
			slog.Warn("Revoke failed", "subject", subject, "error", err)
			mapError(w, err, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusBadRequest, KindBadRequest, "desired_state must be 'signed' or 'revoked'")
	}
}

// handleDeleteStatus cleans subject. Cleaning is idempotent, so a subject
// with nothing left to remove still gets 200 and an empty report.
func (s *Server) handleDeleteStatus(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	slog.Debug("DELETE certificate_status", "subject", subject)

	report, err := s.CA.Clean(subject)
	if err != nil {
		slog.Warn("Clean failed", "subject", subject, "error", err)
		mapError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleGetStatuses lists requests and certificates. Query parameters:
// state=requested|signed, pattern=<glob>, certname=<name> (repeatable).
func (s *Server) handleGetStatuses(w http.ResponseWriter, r *http.Request) {
	slog.Debug("GET certificate_statuses")

	q := r.URL.Query()
	f := ca.Filter{
		Subjects: q["certname"],
		Pattern:  q.Get("pattern"),
		State:    q.Get("state"),
	}
	if f.State != "" && f.State != ca.StateRequested && f.State != ca.StateSigned {
		writeError(w, http.StatusBadRequest, KindBadRequest, "state must be 'requested' or 'signed'")
		return
	}

	statuses, err := s.CA.List(f)
	if err != nil {
		mapError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// --- Certificate ---

func (s *Server) handleGetCert(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	slog.Debug("GET certificate", "subject", subject)

	// "ca" returns the CA cert.
	if subject == "ca" {
		certPEM, err := s.CA.Storage.GetCACert()
		if err != nil {
			writeError(w, http.StatusNotFound, KindNotFound, "CA cert not found")
			return
		}
		writePEM(w, certPEM)
		return
	}

	if err := ca.ValidateSubject(subject); err != nil {
		mapError(w, err, http.StatusBadRequest)
		return
	}
	certPEM, err := s.CA.Storage.GetCert(subject)
	if err != nil {
		writeError(w, http.StatusNotFound, KindNotFound, "certificate not found")
		return
	}
	writePEM(w, certPEM)
}

// --- CRL ---

func (s *Server) handleGetCRL(w http.ResponseWriter, r *http.Request) {
	slog.Debug("GET certificate_revocation_list/ca")

	crlPath := s.CA.Storage.CRLPath()
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			if info, err := os.Stat(crlPath); err == nil && !info.ModTime().After(t) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}

	crlPEM, err := s.CA.Storage.GetCRL()
	if err != nil {
		writeError(w, http.StatusNotFound, KindNotFound, "CRL not found")
		return
	}
	writePEM(w, crlPEM)
}

// --- CSR ---

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if err := ca.ValidateSubject(subject); err != nil {
		mapError(w, err, http.StatusBadRequest)
		return
	}
	slog.Debug("GET certificate_request", "subject", subject)

	csrPEM, err := s.CA.Storage.GetCSR(subject)
	if err != nil {
		writeError(w, http.StatusNotFound, KindNotFound, "CSR not found")
		return
	}
	writePEM(w, csrPEM)
}

type submitResponse struct {
	Name   string `json:"name"`
	Signed bool   `json:"signed"`
}

func (s *Server) handlePutRequest(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	slog.Debug("PUT certificate_request", "subject", subject)

	csrPEM, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, "failed to read body: "+err.Error())
		return
	}

	signed, err := s.CA.SaveRequest(subject, csrPEM)
	if err != nil {
		slog.Warn("SaveRequest failed", "subject", subject, "error", err)
		mapError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Name: subject, Signed: signed})
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	slog.Debug("DELETE certificate_request", "subject", subject)

	if err := s.CA.DeleteRequest(subject); err != nil {
		mapError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Server-side cert generation ---

type GenerateResponse struct {
	PrivateKey  string `json:"private_key"`
	Certificate string `json:"certificate"`
	Serial      uint64 `json:"serial"`
}

// handlePostGenerate creates a key and certificate on the CA. DNS alt names
// come from ?dns=, either repeated or comma-separated; ?autosign= is a bool.
func (s *Server) handlePostGenerate(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	slog.Debug("POST generate", "subject", subject)

	q := r.URL.Query()
	var altNames []string
	for _, v := range q["dns"] {
		altNames = append(altNames, ca.ParseDNSAltNames(v)...)
	}
	autosign := false
	if v := q.Get("autosign"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, KindBadRequest, "autosign must be a boolean")
			return
		}
		autosign = b
	}

	result, err := s.CA.Generate(ca.GenerateRequest{
		Subject:     subject,
		Autosign:    autosign,
		DNSAltNames: altNames,
	})
	if err != nil {
		mapError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{
		PrivateKey:  string(result.PrivateKeyPEM),
		Certificate: string(result.CertificatePEM),
		Serial:      result.Serial,
	})
}

// --- Expirations ---

type ExpirationsResponse struct {
	CACrl         CRLExpiration  `json:"ca_crl"`
	CACertificate CertExpiration `json:"ca_certificate"`
}

type CRLExpiration struct {
	NextUpdate string `json:"next_update"`
}

type CertExpiration struct {
	Expiration string `json:"expiration"`
}

func (s *Server) handleGetExpirations(w http.ResponseWriter, r *http.Request) {
	slog.Debug("GET expirations")

	if !s.CA.IsReady() {
		writeError(w, http.StatusServiceUnavailable, KindNotReady, "CA is not ready")
		return
	}

	crlNextUpdate := ""
	if crlPEM, err := s.CA.Storage.GetCRL(); err == nil {
		if block, _ := pem.Decode(crlPEM); block != nil {
			if crl, err := x509.ParseRevocationList(block.Bytes); err == nil {
				crlNextUpdate = crl.NextUpdate.UTC().Format(time.RFC3339)
			}
		}
	}

	writeJSON(w, http.StatusOK, ExpirationsResponse{
		CACrl:         CRLExpiration{NextUpdate: crlNextUpdate},
		CACertificate: CertExpiration{Expiration: s.CA.CACert.NotAfter.UTC().Format(time.RFC3339)},
	})
}

// --- Bulk sign ---

type SignRequestBody struct {
	Certnames []string `json:"certnames"`
}

func (s *Server) handlePostSign(w http.ResponseWriter, r *http.Request) {
	slog.Debug("POST sign")

	var body SignRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, KindBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(body.Certnames) == 0 {
		writeError(w, http.StatusBadRequest, KindBadRequest, "certnames must not be empty")
		return
	}
	writeJSON(w, http.StatusOK, s.CA.SignMultiple(body.Certnames))
}

func (s *Server) handlePostSignAll(w http.ResponseWriter, r *http.Request) {
	slog.Debug("POST sign/all")

	result, err := s.CA.SignAll()
	if err != nil {
		mapError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
