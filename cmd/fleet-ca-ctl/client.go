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

package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tvaughan/fleet-ca/internal/api"
	"github.com/tvaughan/fleet-ca/internal/authz"
	"github.com/tvaughan/fleet-ca/internal/ca"
)

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status int
	Kind   string
	Msg    string
}

func (e *apiError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Msg)
}

// Is maps server error kinds back onto the CA sentinels so callers can use
// errors.Is in either mode.
func (e *apiError) Is(target error) bool {
	switch e.Kind {
	case api.KindIdentityMismatch:
		return target == ca.ErrIdentityMismatch
	case api.KindNoAuthority:
		return target == ca.ErrNoAuthority
	case api.KindNotFound:
		return target == ca.ErrNotFound
	case api.KindCertExists:
		return target == ca.ErrCertExists
	case api.KindMissingRequest:
		return target == ca.ErrMissingRequest
	case api.KindInvalidSubject:
		return target == ca.ErrInvalidSubject
	case api.KindLockUnavailable:
		return target == ca.ErrLockUnavailable
	case api.KindForbidden:
		return target == authz.ErrAuthorizationDenied
	}
	return false
}

// remote talks to a fleet-ca server over HTTP(S).
type remote struct {
	BaseURL    string
	HTTPClient *http.Client
}

func newRemote(cfg *ctlConfig) (*remote, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		caCertPEM, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading --ca-cert %s: %w", cfg.CACert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCertPEM) {
			return nil, fmt.Errorf("no certificates found in --ca-cert %s", cfg.CACert)
		}
		tlsCfg.RootCAs = pool
	} else {
		// No CA cert provided: skip TLS verification (useful for self-signed dev certs).
		tlsCfg.InsecureSkipVerify = true //nolint:gosec
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading --client-cert/--client-key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return &remote{
		BaseURL: strings.TrimRight(cfg.ServerURL, "/") + api.Prefix,
		HTTPClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   30 * time.Second,
		},
	}, nil
}

// do sends the request and decodes a 2xx JSON answer into out (if non-nil).
func (c *remote) do(method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	slog.Debug("Calling server", "method", method, "url", req.URL.String())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ae := &apiError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(respBody))}
		var er api.ErrorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error != "" {
			ae.Kind, ae.Msg = er.Kind, er.Error
		}
		slog.Debug("Server error", "status", resp.StatusCode, "kind", ae.Kind, "request_id", resp.Header.Get(api.RequestIDHeader))
		return ae
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

func (c *remote) List(f ca.Filter) ([]ca.Status, error) {
	q := url.Values{}
	for _, s := range f.Subjects {
		q.Add("certname", s)
	}
	if f.Pattern != "" {
		q.Set("pattern", f.Pattern)
	}
	if f.State != "" {
		q.Set("state", f.State)
	}
	path := "/certificate_statuses"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []ca.Status
	err := c.do(http.MethodGet, path, nil, &out)
	return out, err
}

func (c *remote) Sign(subjects []string) (ca.SignResult, error) {
	var out ca.SignResult
	err := c.do(http.MethodPost, "/sign", api.SignRequestBody{Certnames: subjects}, &out)
	return out, err
}

func (c *remote) SignAll() (ca.SignResult, error) {
	var out ca.SignResult
	err := c.do(http.MethodPost, "/sign/all", nil, &out)
	return out, err
}

func (c *remote) Revoke(subject string) error {
	return c.do(http.MethodPut, "/certificate_status/"+url.PathEscape(subject),
		api.PutStatusBody{DesiredState: "revoked"}, nil)
}

func (c *remote) Clean(subject string) (ca.CleanReport, error) {
	var out ca.CleanReport
	err := c.do(http.MethodDelete, "/certificate_status/"+url.PathEscape(subject), nil, &out)
	return out, err
}

func (c *remote) Generate(req ca.GenerateRequest) (*ca.GenerateResult, error) {
	q := url.Values{}
	if len(req.DNSAltNames) > 0 {
		q.Set("dns", strings.Join(req.DNSAltNames, ","))
	}
	if req.Autosign {
		q.Set("autosign", strconv.FormatBool(true))
	}
	path := "/generate/" + url.PathEscape(req.Subject)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.GenerateResponse
	if err := c.do(http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Certificate == "" {
		return nil, errors.New("server returned no certificate")
	}
	return &ca.GenerateResult{
		PrivateKeyPEM:  []byte(out.PrivateKey),
		CertificatePEM: []byte(out.Certificate),
		Serial:         out.Serial,
	}, nil
}
