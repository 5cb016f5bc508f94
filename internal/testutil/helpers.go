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

// Package testutil builds throwaway CA material for tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/tvaughan/fleet-ca/internal/storage"
)

// Test keys are 2048-bit to keep suites fast.
const testKeyBits = 2048

var (
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidOCSPNonce        = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}
)

func encodePEM(kind string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der})
}

// GenerateTestCA returns the PEM key, certificate and empty CRL of a
// self-signed CA valid for one hour.
func GenerateTestCA() (keyPEM, certPEM, crlPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, testKeyBits)
	if err != nil {
		return nil, nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "Fleet CA: Test", Organization: []string{"Fleet Test"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, nil, err
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: now,
		NextUpdate: now.Add(24 * time.Hour),
	}, cert, key)
	if err != nil {
		return nil, nil, nil, err
	}

	return encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)),
		encodePEM("CERTIFICATE", certDER),
		encodePEM("X509 CRL", crlDER), nil
}

func buildCSR(tmpl *x509.CertificateRequest) ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, testKeyBits)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, err
	}
	return encodePEM("CERTIFICATE REQUEST", der), nil
}

// GenerateCSR returns a PEM CSR for commonName with a fresh key.
func GenerateCSR(commonName string, dnsNames ...string) ([]byte, error) {
	return buildCSR(&x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: commonName},
		DNSNames:           dnsNames,
		SignatureAlgorithm: x509.SHA256WithRSA,
	})
}

// GenerateCACSR returns a CSR that asks for BasicConstraints CA:TRUE.
func GenerateCACSR(commonName string) ([]byte, error) {
	bc, err := asn1.Marshal(struct {
		IsCA bool `asn1:"optional"`
	}{IsCA: true})
	if err != nil {
		return nil, err
	}
	return buildCSR(&x509.CertificateRequest{
		Subject:         pkix.Name{CommonName: commonName},
		ExtraExtensions: []pkix.Extension{{Id: oidBasicConstraints, Critical: true, Value: bc}},
	})
}

// SeedCA writes an existing CA key and certificate into store, so tests can
// skip bootstrapping. crlPEM may be nil.
func SeedCA(store *storage.StorageService, keyPEM, certPEM, crlPEM []byte) error {
	return store.Update(func(tx *storage.Tx) error {
		writes := []func() error{
			func() error { return tx.WriteCAKey(keyPEM) },
			func() error { return tx.WriteCACert(certPEM) },
			func() error { return tx.WriteCachedCACert(certPEM) },
		}
		if crlPEM != nil {
			writes = append(writes, func() error { return tx.UpdateCRL(crlPEM) })
		}
		for _, w := range writes {
			if err := w(); err != nil {
				return err
			}
		}
		return nil
	})
}

// SeedForeignCA leaves only a cached CA certificate in store, as a node that
// fetched it from a remote CA would have.
func SeedForeignCA(store *storage.StorageService, certPEM []byte) error {
	return store.Update(func(tx *storage.Tx) error {
		return tx.WriteCachedCACert(certPEM)
	})
}

// BuildOCSPRequest returns a DER OCSP request for cert as issued by issuer.
func BuildOCSPRequest(cert, issuer *x509.Certificate) ([]byte, error) {
	return ocsp.CreateRequest(cert, issuer, nil)
}

// BuildOCSPRequestWithNonce is BuildOCSPRequest plus a nonce request
// extension, which x/crypto/ocsp cannot produce itself.
func BuildOCSPRequestWithNonce(cert, issuer *x509.Certificate, nonce []byte) ([]byte, error) {
	der, err := BuildOCSPRequest(cert, issuer)
	if err != nil {
		return nil, err
	}
	var req struct {
		TBSRequest struct {
			Version     int `asn1:"explicit,tag:0,default:0,optional"`
			RequestList asn1.RawValue
			Extensions  []pkix.Extension `asn1:"explicit,tag:2,optional"`
		}
	}
	if _, err := asn1.Unmarshal(der, &req); err != nil {
		return nil, err
	}
	value, err := asn1.Marshal(nonce)
	if err != nil {
		return nil, err
	}
	req.TBSRequest.Extensions = []pkix.Extension{{Id: oidOCSPNonce, Value: value}}
	return asn1.Marshal(req)
}
