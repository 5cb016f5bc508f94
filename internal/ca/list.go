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

package ca

import (
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"sort"
	"strings"
	"time"
)

// Certificate states reported by List and Status.
const (
	StateRequested = "requested"
	StateSigned    = "signed"
)

// Status describes one pending request or active certificate.
type Status struct {
	Name            string            `json:"name"`
	State           string            `json:"state"`
	Fingerprint     string            `json:"fingerprint"`
	Fingerprints    map[string]string `json:"fingerprints"`
	DNSAltNames     []string          `json:"dns_alt_names"`
	SubjectAltNames []string          `json:"subject_alt_names"`
	// AuthorizationExtensions contains auth-arc OID values keyed by short
	// name (e.g. "pp_auth_role") or raw OID string when no short name is known.
	// Always present, empty map when none exist.
	AuthorizationExtensions map[string]string `json:"authorization_extensions"`
	// Populated when signed.
	SerialNumber *uint64 `json:"serial_number,omitempty"`
	NotBefore    *string `json:"not_before,omitempty"`
	NotAfter     *string `json:"not_after,omitempty"`
	// Populated when requested.
	SubmittedAt *string `json:"submitted_at,omitempty"`
}

// Filter selects entries for List. The zero Filter selects everything.
type Filter struct {
	// Subjects, when non-empty, restricts the result to these exact names.
	Subjects []string
	// Pattern is a path.Match glob applied to the subject name.
	Pattern string
	// State is StateRequested, StateSigned or "" for both.
	State string
}

func (f Filter) match(name, state string) bool {
	if f.State != "" && f.State != state {
		return false
	}
	if len(f.Subjects) > 0 && !slices.Contains(f.Subjects, name) {
		return false
	}
	if f.Pattern != "" {
		ok, err := path.Match(f.Pattern, name)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// List returns the union of pending requests and active certificates that
// match f, sorted by name. It takes no lock: the store only ever replaces
// files atomically, so each entry is read whole.
func (c *CA) List(f Filter) ([]Status, error) {
	if f.Pattern != "" {
		if _, err := path.Match(f.Pattern, ""); err != nil {
			return nil, fmt.Errorf("bad filter pattern %q: %w", f.Pattern, err)
		}
	}

	certs, err := c.Storage.ListCerts()
	if err != nil {
		return nil, fmt.Errorf("failed to list certs: %w", err)
	}
	csrs, err := c.Storage.ListCSRs()
	if err != nil {
		return nil, fmt.Errorf("failed to list CSRs: %w", err)
	}

	out := make([]Status, 0, len(certs)+len(csrs))
	seen := make(map[string]bool)
	for _, subject := range certs {
		seen[subject] = true
		if !f.match(subject, StateSigned) {
			continue
		}
		certPEM, err := c.Storage.GetCert(subject)
		if err != nil {
			// Removed since the directory was read.
			continue
		}
		st, err := statusFromCert(subject, certPEM)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	for _, subject := range csrs {
		if seen[subject] || !f.match(subject, StateRequested) {
			continue
		}
		st, err := c.requestStatus(subject)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Status returns the state of a single subject: its signed certificate if
// there is one, else its pending request. ErrNotFound when neither exists.
func (c *CA) Status(subject string) (Status, error) {
	if err := ValidateSubject(subject); err != nil {
		return Status{}, err
	}
	if certPEM, err := c.Storage.GetCert(subject); err == nil {
		return statusFromCert(subject, certPEM)
	}
	st, err := c.requestStatus(subject)
	if errors.Is(err, fs.ErrNotExist) {
		return Status{}, fmt.Errorf("%s: %w", subject, ErrNotFound)
	}
	return st, err
}

func (c *CA) requestStatus(subject string) (Status, error) {
	csrPEM, err := c.Storage.GetCSR(subject)
	if err != nil {
		return Status{}, err
	}
	st, err := statusFromCSR(subject, csrPEM)
	if err != nil {
		return Status{}, err
	}
	if at, err := c.Storage.CSRSubmittedAt(subject); err == nil {
		st.SubmittedAt = rfc3339(at)
	}
	return st, nil
}

// baseStatus fills the fields shared by requests and certificates.
func baseStatus(subject, state string, pemData []byte, dnsNames []string, exts []pkix.Extension) Status {
	fp := fingerprint(pemData)
	if dnsNames == nil {
		dnsNames = []string{}
	}
	return Status{
		Name:                    subject,
		State:                   state,
		Fingerprint:             fp,
		Fingerprints:            map[string]string{"SHA256": fp, "default": fp},
		DNSAltNames:             dnsNames,
		SubjectAltNames:         dnsNames,
		AuthorizationExtensions: authExtensions(exts),
	}
}

func rfc3339(t time.Time) *string {
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func statusFromCert(subject string, certPEM []byte) (Status, error) {
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return Status{}, fmt.Errorf("failed to parse certificate for %s: %w", subject, err)
	}
	st := baseStatus(subject, StateSigned, certPEM, cert.DNSNames, cert.Extensions)
	serial := cert.SerialNumber.Uint64()
	st.SerialNumber = &serial
	st.NotBefore = rfc3339(cert.NotBefore)
	st.NotAfter = rfc3339(cert.NotAfter)
	return st, nil
}

func statusFromCSR(subject string, csrPEM []byte) (Status, error) {
	csr, err := parseCSRPEM(csrPEM)
	if err != nil {
		return Status{}, fmt.Errorf("failed to parse CSR for %s: %w", subject, err)
	}
	return baseStatus(subject, StateRequested, csrPEM, csr.DNSNames, csr.Extensions), nil
}

// authExtensions extracts authorization extensions (OID arc 1.3.6.1.4.1.34380.1.3)
// and returns them as a name→value map. Always non-nil.
func authExtensions(exts []pkix.Extension) map[string]string {
	result := make(map[string]string)
	for _, ext := range exts {
		if !IsAuthOID(ext.Id) {
			continue
		}
		key := OIDKey(ext.Id)
		var s string
		if _, err := asn1.Unmarshal(ext.Value, &s); err == nil {
			result[key] = s
		} else {
			result[key] = hex.EncodeToString(ext.Value)
		}
	}
	return result
}

// fingerprint formats the SHA256 of the DER as colon-separated hex pairs.
func fingerprint(data []byte) string {
	block, _ := pem.Decode(data)
	if block == nil {
		return ""
	}
	sum := sha256.Sum256(block.Bytes)
	var b strings.Builder
	b.WriteString("SHA256")
	for _, x := range sum {
		fmt.Fprintf(&b, ":%02x", x)
	}
	return b.String()
}
