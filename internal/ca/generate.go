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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/tvaughan/fleet-ca/internal/metrics"
	"github.com/tvaughan/fleet-ca/internal/storage"
)

// GenerateRequest asks the CA to create a key and certificate for a subject
// on the CA itself.
type GenerateRequest struct {
	Subject string
	// Autosign is accepted for parity with remote submissions. The operator
	// running generate on the CA is always trusted, so it never gates signing.
	Autosign    bool
	DNSAltNames []string
}

// GenerateResult holds the PEM-encoded private key and signed certificate
// produced by a server-side Generate call.
type GenerateResult struct {
	PrivateKeyPEM  []byte
	CertificatePEM []byte
	Serial         uint64
}

// ParseDNSAltNames splits a comma-separated dns_alt_names value into an
// ordered list, trimming blanks and dropping empty entries.
func ParseDNSAltNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// sanList is the SAN list written for subject: the subject first, then the
// alt names in order, without duplicates. Without alt names the CSR carries
// no SANs at all.
func sanList(subject string, altNames []string) []string {
	if len(altNames) == 0 {
		return nil
	}
	names := []string{subject}
	for _, n := range altNames {
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	return names
}

// Generate creates (or reuses) a key pair for subject, builds a CSR for it
// and signs it in one store transaction. The private key is kept at
// private/{subject}_key.pem.
//
// The CA identity is checked first: a node that does not hold the key for
// the CA certificate gets ErrIdentityMismatch and nothing is written.
// Returns ErrCertExists (wrapped) if a certificate already exists for subject.
func (c *CA) Generate(req GenerateRequest) (*GenerateResult, error) {
	subject := req.Subject
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	for _, name := range req.DNSAltNames {
		if err := ValidateDNSName(name); err != nil {
			return nil, err
		}
	}

	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	if c.Storage.HasCert(subject) {
		return nil, fmt.Errorf("certificate already exists for %s: %w", subject, ErrCertExists)
	}

	slog.Debug("Generating certificate on the CA", "subject", subject, "autosign", req.Autosign, "dns_alt_names", req.DNSAltNames)

	key, keyPEM, newKey, err := c.subjectKey(subject)
	if err != nil {
		return nil, err
	}
	dnsNames := sanList(subject, req.DNSAltNames)

	csr, csrPEM, newCSR, err := c.subjectCSR(subject, key, dnsNames)
	if err != nil {
		return nil, err
	}

	var (
		certPEM []byte
		serial  uint64
	)
	err = c.Storage.Update(func(tx *storage.Tx) error {
		if c.Storage.HasCert(subject) {
			return fmt.Errorf("certificate already exists for %s: %w", subject, ErrCertExists)
		}
		if newCSR {
			if err := tx.SaveCSR(subject, csrPEM); err != nil {
				return fmt.Errorf("failed to save CSR for %s: %w", subject, err)
			}
		}
		var err error
		certPEM, serial, err = c.issue(tx, subject, csr, 0)
		if err != nil {
			return err
		}
		if newKey {
			if err := tx.SavePrivateKey(subject, keyPEM); err != nil {
				return fmt.Errorf("failed to save private key for %s: %w", subject, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate for %s: %w", subject, err)
	}

	metrics.RecordIssued("generate")
	slog.Info("Certificate generated", "subject", subject, "serial", serial)
	return &GenerateResult{
		PrivateKeyPEM:  keyPEM,
		CertificatePEM: certPEM,
		Serial:         serial,
	}, nil
}

// subjectKey returns the cached private key for subject, or a fresh one.
func (c *CA) subjectKey(subject string) (*rsa.PrivateKey, []byte, bool, error) {
	if c.Storage.HasPrivateKey(subject) {
		keyPEM, err := c.Storage.GetPrivateKey(subject)
		if err != nil {
			return nil, nil, false, fmt.Errorf("reading cached key for %s: %w", subject, err)
		}
		key, err := parseRSAPrivateKey(keyPEM)
		if err != nil {
			return nil, nil, false, fmt.Errorf("cached key for %s: %w", subject, err)
		}
		slog.Debug("Reusing cached private key", "subject", subject)
		return key, keyPEM, false, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, c.Config.leafKeyBits())
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to generate key for %s: %w", subject, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, keyPEM, true, nil
}

// subjectCSR reuses the pending CSR for subject when it was made for key and
// asks for the same SANs; otherwise it builds a new one.
func (c *CA) subjectCSR(subject string, key *rsa.PrivateKey, dnsNames []string) (*x509.CertificateRequest, []byte, bool, error) {
	if csrPEM, err := c.Storage.GetCSR(subject); err == nil {
		if csr, err := parseCSRPEM(csrPEM); err == nil {
			pub, ok := csr.PublicKey.(*rsa.PublicKey)
			if ok && key.PublicKey.Equal(pub) && (dnsNames == nil || slices.Equal(csr.DNSNames, dnsNames)) {
				slog.Debug("Reusing pending CSR", "subject", subject)
				return csr, csrPEM, false, nil
			}
		}
		slog.Info("Replacing pending CSR that does not match the local key", "subject", subject)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: subject},
		DNSNames: dnsNames,
	}, key)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to create CSR for %s: %w", subject, err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to parse CSR for %s: %w", subject, err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	return csr, csrPEM, true, nil
}
