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
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"

	"github.com/tvaughan/fleet-ca/internal/storage"
)

// ImportCA installs an external CA cert/key into a store in one transaction.
// It validates the pair, writes the CA files and the cached copy, and seeds
// the ledger so that serials and CRL numbers issued by the external CA are
// never reused.
//
// crlPEM may be nil; when nil a fresh empty CRL is generated and written.
// Revoked serials in a supplied CRL are carried into the ledger.
//
// This is an offline operation, no CA daemon is required.
func ImportCA(store *storage.StorageService, certBundlePEM, keyPEM, crlPEM []byte) error {
	caCert, err := parseCertPEM(certBundlePEM)
	if err != nil {
		return fmt.Errorf("cert-bundle: %w", err)
	}
	if !caCert.IsCA {
		return fmt.Errorf("certificate is not a CA certificate (IsCA=false)")
	}

	caKey, err := parseRSAPrivateKey(keyPEM)
	if err != nil {
		return fmt.Errorf("private-key: %w", err)
	}
	if !publicKeyMatches(caCert, caKey) {
		return fmt.Errorf("private key does not match the certificate's public key")
	}

	var crl *x509.RevocationList
	if crlPEM != nil {
		block, _ := pem.Decode(crlPEM)
		if block == nil {
			return fmt.Errorf("crl-chain does not contain a valid PEM block")
		}
		crl, err = x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse CRL: %w", err)
		}
		if err := crl.CheckSignatureFrom(caCert); err != nil {
			return fmt.Errorf("CRL was not issued by the imported CA: %w", err)
		}
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&caKey.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode CA public key: %w", err)
	}

	if _, err := store.GetCACert(); err == nil {
		slog.Warn("Replacing existing CA certificate", "cadir", store.CADir())
	}

	return store.Update(func(tx *storage.Tx) error {
		if err := tx.WriteCAKey(keyPEM); err != nil {
			return fmt.Errorf("failed to write CA key: %w", err)
		}
		if err := tx.WriteCACert(certBundlePEM); err != nil {
			return fmt.Errorf("failed to write CA cert: %w", err)
		}
		if err := tx.WriteCAPubKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})); err != nil {
			return fmt.Errorf("failed to write CA public key: %w", err)
		}
		if err := tx.WriteCachedCACert(certBundlePEM); err != nil {
			return fmt.Errorf("failed to cache CA cert: %w", err)
		}
		if caCert.SerialNumber.IsUint64() {
			if err := tx.ReserveSerial(caCert.SerialNumber.Uint64()); err != nil {
				return err
			}
		}

		if crl == nil {
			if err := writeCRL(tx, caCert, caKey); err != nil {
				return fmt.Errorf("failed to create initial CRL: %w", err)
			}
			return nil
		}

		for _, rc := range crl.RevokedCertificateEntries {
			if !rc.SerialNumber.IsUint64() {
				slog.Warn("Skipping revoked serial outside the ledger range", "serial", rc.SerialNumber)
				continue
			}
			serial := rc.SerialNumber.Uint64()
			at := rc.RevocationTime.UTC()
			if err := tx.Record(storage.Entry{
				Serial:    serial,
				Status:    storage.StatusRevoked,
				RevokedAt: &at,
			}); err != nil {
				return err
			}
			if err := tx.ReserveSerial(serial); err != nil {
				return err
			}
		}
		if crl.Number != nil && crl.Number.IsUint64() {
			if err := tx.ReserveCRLNumber(crl.Number.Uint64()); err != nil {
				return err
			}
		}
		if err := tx.UpdateCRL(crlPEM); err != nil {
			return fmt.Errorf("failed to write CRL: %w", err)
		}
		return nil
	})
}
