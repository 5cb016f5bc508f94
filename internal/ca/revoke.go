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
	"crypto"
	"crypto/rand"
	"crypto/x509"
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

// CleanReport says which artifacts a Clean call actually removed.
type CleanReport struct {
	Subject     string `json:"subject"`
	Request     bool   `json:"request"`
	Certificate bool   `json:"certificate"`
	PrivateKey  bool   `json:"private_key"`
	// Serial of the revoked certificate, 0 when none was removed.
	Serial uint64 `json:"serial,omitempty"`
}

// Removed reports whether anything at all was removed.
func (r CleanReport) Removed() bool {
	return r.Request || r.Certificate || r.PrivateKey
}

// Clean revokes the signed certificate for subject (if any) and removes it
// together with any pending CSR and cached private key, all in one store
// transaction. Missing artifacts are not errors, so calling Clean twice is
// safe; the second report simply has nothing removed.
func (c *CA) Clean(subject string) (CleanReport, error) {
	report := CleanReport{Subject: subject}
	if err := ValidateSubject(subject); err != nil {
		return report, err
	}

	// Revocation rewrites the CRL, which needs the CA key.
	if c.Storage.HasCert(subject) {
		if err := c.ensureReady(); err != nil {
			return report, err
		}
	}

	err := c.cleanInTx(subject, &report)
	if errors.Is(err, errNotReady) {
		// A certificate appeared after the check above. Init takes the
		// store lock itself, so it has to run between transactions.
		if err = c.ensureReady(); err == nil {
			err = c.cleanInTx(subject, &report)
		}
	}
	if err != nil {
		return CleanReport{Subject: subject}, err
	}

	if report.Certificate {
		c.forgetOCSP(report.Serial)
		metrics.RecordRevoked()
	}
	slog.Info("Certificate cleaned", "subject", subject,
		"request", report.Request, "certificate", report.Certificate, "private_key", report.PrivateKey)
	return report, nil
}

func (c *CA) cleanInTx(subject string, report *CleanReport) error {
	return c.Storage.Update(func(tx *storage.Tx) error {
		*report = CleanReport{Subject: subject}
		if c.Storage.HasCert(subject) {
			serial, err := c.revokeInTx(tx, subject)
			if err != nil {
				return err
			}
			report.Certificate = true
			report.Serial = serial
		}
		var err error
		if report.Request, err = tx.DeleteCSR(subject); err != nil {
			return fmt.Errorf("failed to remove CSR for %s: %w", subject, err)
		}
		if report.PrivateKey, err = tx.DeletePrivateKey(subject); err != nil {
			return fmt.Errorf("failed to remove private key for %s: %w", subject, err)
		}
		return nil
	})
}

// Revoke revokes the signed certificate for subject: the ledger entry is
// marked revoked, the CRL is regenerated and the certificate file removed.
// Returns ErrNotFound (wrapped) when subject has no signed certificate.
func (c *CA) Revoke(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if err := c.ensureReady(); err != nil {
		return err
	}

	slog.Debug("Revoking certificate", "subject", subject)

	var serial uint64
	err := c.Storage.Update(func(tx *storage.Tx) error {
		var err error
		serial, err = c.revokeInTx(tx, subject)
		return err
	})
	if err != nil {
		return err
	}

	c.forgetOCSP(serial)
	metrics.RecordRevoked()
	slog.Info("Certificate revoked", "subject", subject, "serial", serial)
	return nil
}

func (c *CA) revokeInTx(tx *storage.Tx, subject string) (uint64, error) {
	if !c.IsReady() {
		return 0, errNotReady
	}
	certPEM, err := c.Storage.GetCert(subject)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("could not find certificate for subject %s: %w", subject, ErrNotFound)
		}
		return 0, err
	}
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return 0, fmt.Errorf("failed to parse certificate for %s: %w", subject, err)
	}
	if !cert.SerialNumber.IsUint64() {
		return 0, fmt.Errorf("certificate for %s has an out-of-range serial %s", subject, cert.SerialNumber)
	}
	serial := cert.SerialNumber.Uint64()

	now := time.Now().UTC()
	if _, err := tx.MarkRevoked(serial, now); err != nil {
		if !errors.Is(err, storage.ErrNoEntry) {
			return 0, err
		}
		// Issued before the ledger existed (e.g. an imported store).
		if err := tx.Record(storage.Entry{
			Serial:    serial,
			Subject:   subject,
			NotBefore: cert.NotBefore,
			NotAfter:  cert.NotAfter,
			DNSNames:  cert.DNSNames,
			Status:    storage.StatusRevoked,
			RevokedAt: &now,
		}); err != nil {
			return 0, err
		}
	}

	if _, err := tx.DeleteCert(subject); err != nil {
		return 0, fmt.Errorf("failed to remove certificate for %s: %w", subject, err)
	}
	if err := writeCRL(tx, c.CACert, c.CAKey); err != nil {
		return 0, fmt.Errorf("failed to write CRL: %w", err)
	}
	return serial, nil
}

// writeCRL regenerates the CRL from the revoked ledger entries.
func writeCRL(tx *storage.Tx, caCert *x509.Certificate, caKey crypto.Signer) error {
	revoked, err := tx.RevokedEntries()
	if err != nil {
		return err
	}
	number, err := tx.NextCRLNumber()
	if err != nil {
		return err
	}

	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, e := range revoked {
		at := time.Now().UTC()
		if e.RevokedAt != nil {
			at = *e.RevokedAt
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   new(big.Int).SetUint64(e.Serial),
			RevocationTime: at,
		})
	}

	now := time.Now().UTC()
	template := &x509.RevocationList{
		Number:                    new(big.Int).SetUint64(number),
		RevokedCertificateEntries: entries,
		ThisUpdate:                now,
		NextUpdate:                now.Add(CRLValidity),
	}
	crlBytes, err := x509.CreateRevocationList(rand.Reader, template, caCert, caKey)
	if err != nil {
		return fmt.Errorf("failed to sign CRL: %w", err)
	}
	return tx.UpdateCRL(pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crlBytes}))
}

// IsRevoked reports whether the most recently issued certificate for
// subject has been revoked. Subjects that were never signed are not revoked.
func (c *CA) IsRevoked(subject string) bool {
	entries, err := c.Storage.Entries()
	if err != nil {
		slog.Warn("Could not read ledger", "error", err)
		return false
	}
	revoked := false
	for _, e := range entries {
		if e.Subject == subject {
			revoked = e.Status == storage.StatusRevoked
		}
	}
	return revoked
}
