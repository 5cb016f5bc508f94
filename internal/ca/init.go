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
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"time"

	"github.com/tvaughan/fleet-ca/internal/storage"
)

// bootstrap loads the CA identity from the store or, for an authority with
// an empty store, creates it. c.mu must be held.
func (c *CA) bootstrap() error {
	if err := c.Storage.EnsureDirs(); err != nil {
		return err
	}

	found, err := c.loadIdentity()
	if err != nil {
		return err
	}
	if found {
		slog.Info("Loaded existing CA", "cert", c.Storage.CACertPath(), "cn", c.CACert.Subject.CommonName)
		return nil
	}

	if !c.Config.Identity.Authority {
		return fmt.Errorf("%w: %s (node %s)", ErrNoAuthority, c.Storage.CADir(), c.Config.hostname())
	}

	slog.Info("No existing CA found, bootstrapping new CA", "cadir", c.Storage.CADir())
	slog.Debug("Generating CA key", "bits", c.Config.caKeyBits())
	key, err := rsa.GenerateKey(rand.Reader, c.Config.caKeyBits())
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}

	var (
		won  bool
		cert *x509.Certificate
	)
	err = c.Storage.Update(func(tx *storage.Tx) error {
		// Re-check under the lock: another bootstrapper may have won.
		if pemData, _ := c.rootCertPEM(); pemData != nil {
			return nil
		}
		won = true
		var werr error
		cert, werr = c.writeNewIdentity(tx, key)
		slog.Debug("Ledger ready for issuance", "next_serial", tx.PeekSerial())
		return werr
	})
	if err != nil {
		return fmt.Errorf("bootstrapping CA: %w", err)
	}

	if !won {
		slog.Info("CA was bootstrapped concurrently, loading it", "cadir", c.Storage.CADir())
		found, err := c.loadIdentity()
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("CA certificate disappeared from %s during bootstrap", c.Storage.CADir())
		}
		return nil
	}

	c.CACert, c.CAKey = cert, key
	slog.Info("CA bootstrapped", "cn", cert.Subject.CommonName, "serial", cert.SerialNumber, "cadir", c.Storage.CADir())
	return nil
}

// rootCertPEM returns the root certificate from the CA area, falling back to
// the cache area, plus the path it was read from. nil means neither exists.
func (c *CA) rootCertPEM() ([]byte, string) {
	if data, err := c.Storage.GetCACert(); err == nil {
		return data, c.Storage.CACertPath()
	}
	if data, err := c.Storage.GetCachedCACert(); err == nil {
		return data, c.Storage.CachedCACertPath()
	}
	return nil, ""
}

// loadIdentity reads an existing root certificate and checks it against the
// local CA key. found is false only when no root certificate exists at all.
func (c *CA) loadIdentity() (found bool, err error) {
	certPEM, source := c.rootCertPEM()
	if certPEM == nil {
		return false, nil
	}
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return true, fmt.Errorf("failed to parse CA certificate %s: %w", source, err)
	}

	keyPEM, err := c.Storage.GetCAKey()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, fmt.Errorf("%w: %q at %s has no local private key",
				ErrIdentityMismatch, cert.Subject.CommonName, source)
		}
		return true, fmt.Errorf("failed to read CA key: %w", err)
	}
	key, err := parseRSAPrivateKey(keyPEM)
	if err != nil {
		return true, err
	}
	if !publicKeyMatches(cert, key) {
		return true, fmt.Errorf("%w: %q at %s was not issued for the local CA key",
			ErrIdentityMismatch, cert.Subject.CommonName, source)
	}

	c.CACert, c.CAKey = cert, key
	if err := c.restoreCopies(certPEM); err != nil {
		slog.Warn("Could not restore CA certificate copies", "error", err)
	}
	return true, nil
}

// restoreCopies rewrites whichever of the CA-area and cache copies of the
// root certificate is missing.
func (c *CA) restoreCopies(certPEM []byte) error {
	_, errCA := c.Storage.GetCACert()
	_, errCache := c.Storage.GetCachedCACert()
	if errCA == nil && errCache == nil {
		return nil
	}
	return c.Storage.Update(func(tx *storage.Tx) error {
		if errCA != nil {
			if err := tx.WriteCACert(certPEM); err != nil {
				return err
			}
		}
		if errCache != nil {
			return tx.WriteCachedCACert(certPEM)
		}
		return nil
	})
}

// writeNewIdentity self-signs a root for key and persists key, certificate,
// public key, the cached copy and an empty CRL.
func (c *CA) writeNewIdentity(tx *storage.Tx, key *rsa.PrivateKey) (*x509.Certificate, error) {
	cn := "Fleet CA: " + c.Config.hostname()

	// The root goes through the same CSR step as every other certificate.
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA CSR: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("invalid CA CSR signature: %w", err)
	}

	serial, err := tx.NextSerial()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate CA serial: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(csr.PublicKey)
	if err != nil {
		return nil, err
	}
	subjectKeyID := sha1.Sum(pubDER)

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(serial),
		Subject:               csr.Subject,
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID[:],
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, csr.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated CA cert: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := tx.WriteCAKey(keyPEM); err != nil {
		return nil, fmt.Errorf("failed to write CA key: %w", err)
	}
	if err := tx.WriteCACert(certPEM); err != nil {
		return nil, fmt.Errorf("failed to write CA cert: %w", err)
	}
	if err := tx.WriteCAPubKey(pubPEM); err != nil {
		return nil, fmt.Errorf("failed to write CA public key: %w", err)
	}
	if err := tx.WriteCachedCACert(certPEM); err != nil {
		return nil, fmt.Errorf("failed to cache CA cert: %w", err)
	}
	if err := tx.Record(storage.Entry{
		Serial:    serial,
		Subject:   cn,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}); err != nil {
		return nil, fmt.Errorf("failed to record CA cert: %w", err)
	}
	if err := writeCRL(tx, cert, key); err != nil {
		return nil, fmt.Errorf("failed to write initial CRL: %w", err)
	}
	return cert, nil
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parseCSRPEM(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode CSR PEM")
	}
	return x509.ParseCertificateRequest(block.Bytes)
}

// parseRSAPrivateKey accepts both PKCS1 ("BEGIN RSA PRIVATE KEY") and PKCS8
// ("BEGIN PRIVATE KEY"). Generated keys are always PKCS1; imported keys may
// be PKCS8 (openssl-3.x default).
func parseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	if k1, err1 := x509.ParsePKCS1PrivateKey(block.Bytes); err1 == nil {
		return k1, nil
	} else if k8, err8 := x509.ParsePKCS8PrivateKey(block.Bytes); err8 == nil {
		key, ok := k8.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not an RSA key")
		}
		return key, nil
	} else {
		return nil, fmt.Errorf("failed to parse private key (PKCS1: %v; PKCS8: %v)", err1, err8)
	}
}

func publicKeyMatches(cert *x509.Certificate, key *rsa.PrivateKey) bool {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false
	}
	return key.PublicKey.Equal(pub)
}
