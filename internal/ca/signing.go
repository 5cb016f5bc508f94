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
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"time"

	"github.com/tvaughan/fleet-ca/internal/metrics"
	"github.com/tvaughan/fleet-ca/internal/storage"
)

const (
	// certValidity is the lifetime issued to CA and leaf certificates.
	certValidity = 5 * 365 * 24 * time.Hour
	// CRLValidity is the validity window written into every CRL.
	CRLValidity = 30 * 24 * time.Hour

	// backdate absorbs clock skew between the CA and relying parties.
	backdate = 24 * time.Hour

	leafComment = "Fleet CA Internal Certificate"
)

var oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}

// requestsCA reports whether csr asks for BasicConstraints CA:TRUE.
func requestsCA(csr *x509.CertificateRequest) bool {
	for _, ext := range csr.Extensions {
		if !ext.Id.Equal(oidBasicConstraints) {
			continue
		}
		var bc struct {
			IsCA bool `asn1:"optional"`
		}
		if _, err := asn1.Unmarshal(ext.Value, &bc); err == nil && bc.IsCA {
			return true
		}
	}
	return false
}

// leafValidity clamps the requested lifetime (0 meaning certValidity) so a
// leaf never outlives the CA certificate.
func (c *CA) leafValidity(ttl time.Duration) (time.Duration, error) {
	remaining := time.Until(c.CACert.NotAfter)
	if remaining <= 0 {
		return 0, errors.New("CA certificate has expired")
	}
	if ttl <= 0 {
		ttl = certValidity
	}
	return min(ttl, remaining), nil
}

// leafTemplate describes the certificate issued for csr. Node attribute and
// authorization extensions are copied from the request.
func (c *CA) leafTemplate(csr *x509.CertificateRequest, serial uint64, validity time.Duration) (*x509.Certificate, error) {
	spki, err := x509.MarshalPKIXPublicKey(csr.PublicKey)
	if err != nil {
		return nil, err
	}
	// RFC 5280 §4.2.1.2 method 1.
	skid := sha1.Sum(spki)
	comment, err := asn1.Marshal(leafComment)
	if err != nil {
		return nil, err
	}

	extra := []pkix.Extension{{Id: OIDNetscapeComment, Value: comment}}
	for _, ext := range csr.Extensions {
		if IsExtensionOID(ext.Id) {
			extra = append(extra, ext)
		}
	}

	now := time.Now().UTC()
	return &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(serial),
		Subject:               csr.Subject,
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SubjectKeyId:          skid[:],
		AuthorityKeyId:        c.CACert.SubjectKeyId,
		DNSNames:              csr.DNSNames,
		OCSPServer:            c.Config.OCSPURLs,
		ExtraExtensions:       extra,
	}, nil
}

// issue signs csr for subject inside tx: it allocates a serial, writes the
// certificate, records it in the ledger and consumes the pending CSR.
func (c *CA) issue(tx *storage.Tx, subject string, csr *x509.CertificateRequest, ttl time.Duration) ([]byte, uint64, error) {
	if err := csr.CheckSignature(); err != nil {
		return nil, 0, fmt.Errorf("invalid CSR signature for %s: %w", subject, err)
	}
	if requestsCA(csr) {
		return nil, 0, fmt.Errorf("%w: [%s]", ErrExtensionsDisallowed, oidBasicConstraints)
	}
	validity, err := c.leafValidity(ttl)
	if err != nil {
		return nil, 0, err
	}
	serial, err := tx.NextSerial()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to allocate serial: %w", err)
	}
	tmpl, err := c.leafTemplate(csr, serial, validity)
	if err != nil {
		return nil, 0, fmt.Errorf("building certificate for %s: %w", subject, err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.CACert, csr.PublicKey, c.CAKey)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to sign certificate for %s: %w", subject, err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if err := tx.SaveCert(subject, certPEM); err != nil {
		return nil, 0, fmt.Errorf("failed to save cert for %s: %w", subject, err)
	}
	entry := storage.Entry{
		Serial:    serial,
		Subject:   subject,
		NotBefore: tmpl.NotBefore,
		NotAfter:  tmpl.NotAfter,
		DNSNames:  csr.DNSNames,
		Status:    storage.StatusSigned,
	}
	if err := tx.Record(entry); err != nil {
		return nil, 0, fmt.Errorf("failed to record cert for %s: %w", subject, err)
	}
	if _, err := tx.DeleteCSR(subject); err != nil {
		return nil, 0, fmt.Errorf("failed to remove CSR for %s: %w", subject, err)
	}
	return certPEM, serial, nil
}

// Sign creates and persists a certificate for the pending CSR of subject.
func (c *CA) Sign(subject string) ([]byte, error) {
	return c.SignWithTTL(subject, 0)
}

// SignWithTTL signs subject's pending CSR with a custom validity duration.
// ttl=0 falls back to the default certValidity.
//
// Signing a subject that has no CSR but already holds a certificate is a
// no-op that returns the existing certificate. With neither present the
// error wraps ErrMissingRequest.
func (c *CA) SignWithTTL(subject string, ttl time.Duration) ([]byte, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if err := c.ensureReady(); err != nil {
		return nil, err
	}

	slog.Debug("Signing certificate", "subject", subject)

	var (
		certPEM []byte
		serial  uint64
	)
	err := c.Storage.Update(func(tx *storage.Tx) error {
		csrPEM, err := c.Storage.GetCSR(subject)
		if errors.Is(err, fs.ErrNotExist) {
			existing, certErr := c.Storage.GetCert(subject)
			if certErr == nil {
				certPEM = existing
				return nil
			}
			return fmt.Errorf("%w for %s", ErrMissingRequest, subject)
		}
		if err != nil {
			return fmt.Errorf("reading CSR for %s: %w", subject, err)
		}
		if c.Storage.HasCert(subject) {
			return fmt.Errorf("certificate already exists for %s: %w", subject, ErrCertExists)
		}
		csr, err := parseCSRPEM(csrPEM)
		if err != nil {
			return fmt.Errorf("failed to parse CSR for %s: %w", subject, err)
		}
		certPEM, serial, err = c.issue(tx, subject, csr, ttl)
		return err
	})
	if err != nil {
		return nil, err
	}

	if serial == 0 {
		slog.Info("Certificate already signed, nothing to do", "subject", subject)
		return certPEM, nil
	}
	metrics.RecordIssued("sign")
	slog.Info("Certificate signed", "subject", subject, "serial", serial)
	return certPEM, nil
}

// SignResult holds the outcome of a bulk signing operation.
type SignResult struct {
	Signed        []string `json:"signed"`
	NoCSR         []string `json:"no-csr"`
	SigningErrors []string `json:"signing-errors"`
}

// SignMultiple signs the CSRs for the given subjects.
// Subjects with no pending CSR are collected in NoCSR; those that fail signing
// are collected in SigningErrors.
func (c *CA) SignMultiple(subjects []string) SignResult {
	result := SignResult{
		Signed:        []string{},
		NoCSR:         []string{},
		SigningErrors: []string{},
	}
	for _, subject := range subjects {
		if ValidateSubject(subject) != nil {
			result.SigningErrors = append(result.SigningErrors, subject)
			continue
		}
		if !c.Storage.HasCSR(subject) {
			result.NoCSR = append(result.NoCSR, subject)
			continue
		}
		if _, err := c.Sign(subject); err != nil {
			slog.Warn("Bulk sign failed", "subject", subject, "error", err)
			result.SigningErrors = append(result.SigningErrors, subject)
		} else {
			result.Signed = append(result.Signed, subject)
		}
	}
	return result
}

// SignAll signs every pending CSR currently on disk.
func (c *CA) SignAll() (SignResult, error) {
	subjects, err := c.Storage.ListCSRs()
	if err != nil {
		return SignResult{}, fmt.Errorf("listing CSRs: %w", err)
	}
	return c.SignMultiple(subjects), nil
}

// SaveRequest validates and stores a CSR submitted by a remote node, then
// signs it straight away if the autosign policy allows. It reports whether
// the CSR was signed.
func (c *CA) SaveRequest(subject string, csrPEM []byte) (bool, error) {
	if err := ValidateSubject(subject); err != nil {
		return false, err
	}

	// Validate the CSR PEM before writing anything to disk.
	csr, err := parseCSRPEM(csrPEM)
	if err != nil {
		return false, fmt.Errorf("failed to parse CSR for %s: %w", subject, err)
	}
	if csr.Subject.CommonName != subject {
		return false, fmt.Errorf("%w: CSR common name %q does not match requested subject %q",
			ErrInvalidSubject, csr.Subject.CommonName, subject)
	}
	if err := csr.CheckSignature(); err != nil {
		return false, fmt.Errorf("invalid CSR signature for %s: %w", subject, err)
	}
	for _, name := range csr.DNSNames {
		if err := ValidateDNSName(name); err != nil {
			return false, err
		}
	}

	if err := c.ensureReady(); err != nil {
		return false, err
	}

	slog.Debug("Received CSR", "subject", subject)

	shouldSign, err := CheckAutosign(c.Config.Autosign, csr, csrPEM)
	if err != nil {
		return false, fmt.Errorf("autosign check failed for %s: %w", subject, err)
	}

	var (
		serial  uint64
		signErr error
	)
	err = c.Storage.Update(func(tx *storage.Tx) error {
		if c.Storage.HasCert(subject) {
			return fmt.Errorf("certificate already exists for %s: %w", subject, ErrCertExists)
		}
		if err := tx.SaveCSR(subject, csrPEM); err != nil {
			return fmt.Errorf("failed to save CSR for %s: %w", subject, err)
		}
		if !shouldSign {
			return nil
		}
		var issueErr error
		_, serial, issueErr = c.issue(tx, subject, csr, 0)
		if errors.Is(issueErr, ErrExtensionsDisallowed) {
			// Keep the CSR for an operator to inspect.
			signErr = issueErr
			return nil
		}
		return issueErr
	})
	if err != nil {
		return false, err
	}
	metrics.RecordRequest(serial != 0)

	if signErr != nil {
		slog.Warn("CSR saved but refused for autosigning", "subject", subject, "error", signErr)
		return false, signErr
	}
	if serial != 0 {
		metrics.RecordIssued("autosign")
		slog.Info("CSR autosigned", "subject", subject, "serial", serial)
		return true, nil
	}

	slog.Info("CSR saved, awaiting manual signing", "subject", subject)
	return false, nil
}

// DeleteRequest removes the pending CSR for subject without touching any
// signed certificate. Returns ErrNotFound (wrapped) when there is none.
func (c *CA) DeleteRequest(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	err := c.Storage.Update(func(tx *storage.Tx) error {
		removed, err := tx.DeleteCSR(subject)
		if err != nil {
			return fmt.Errorf("failed to remove CSR for %s: %w", subject, err)
		}
		if !removed {
			return fmt.Errorf("no pending request for %s: %w", subject, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("CSR deleted", "subject", subject)
	return nil
}
