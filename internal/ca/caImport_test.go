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

package ca_test

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/fleet-ca/internal/ca"
	"github.com/tvaughan/fleet-ca/internal/storage"
	"github.com/tvaughan/fleet-ca/internal/testutil"
)

// signedCRL returns a CRL from the suite CA revoking serials, with number n.
func signedCRL(n int64, serials ...int64) []byte {
	block, _ := pem.Decode(cachedKeyPEM)
	Expect(block).NotTo(BeNil())
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	Expect(err).NotTo(HaveOccurred())

	now := time.Now().UTC()
	entries := make([]x509.RevocationListEntry, 0, len(serials))
	for _, s := range serials {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(s),
			RevocationTime: now.Add(-time.Hour),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(n),
		RevokedCertificateEntries: entries,
		ThisUpdate:                now,
		NextUpdate:                now.Add(time.Hour),
	}, decodeCert(cachedCrtPEM), key)
	Expect(err).NotTo(HaveOccurred())
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
}

var _ = Describe("ImportCA", func() {
	var store *storage.StorageService

	BeforeEach(func() {
		store = newStore()
	})

	It("writes cert, key, cached copy, CRL and ledger", func() {
		Expect(ca.ImportCA(store, cachedCrtPEM, cachedKeyPEM, cachedCrlPEM)).To(Succeed())

		for _, path := range []string{
			store.CACertPath(),
			store.CAKeyPath(),
			store.CAPubKeyPath(),
			store.CachedCACertPath(),
			store.CRLPath(),
			store.LedgerPath(),
		} {
			Expect(fileExists(path)).To(BeTrue(), "expected file to exist: %s", path)
		}

		certData, _ := os.ReadFile(store.CACertPath())
		Expect(certData).To(Equal(cachedCrtPEM))
		keyData, _ := os.ReadFile(store.CAKeyPath())
		Expect(keyData).To(Equal(cachedKeyPEM))
		cached, _ := store.GetCachedCACert()
		Expect(cached).To(Equal(cachedCrtPEM))
	})

	It("generates a fresh CRL when crlPEM is nil", func() {
		Expect(ca.ImportCA(store, cachedCrtPEM, cachedKeyPEM, nil)).To(Succeed())

		crl := readCRL(store)
		Expect(crl.CheckSignatureFrom(decodeCert(cachedCrtPEM))).To(Succeed())
		Expect(crl.RevokedCertificateEntries).To(BeEmpty())
	})

	It("carries revoked serials and the CRL number into the ledger", func() {
		Expect(ca.ImportCA(store, cachedCrtPEM, cachedKeyPEM, signedCRL(5, 7, 3))).To(Succeed())

		entries, err := store.Entries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Serial).To(Equal(uint64(3)))
		Expect(entries[1].Serial).To(Equal(uint64(7)))
		Expect(entries[1].Status).To(Equal(storage.StatusRevoked))

		Expect(store.View(func(tx *storage.Tx) error {
			Expect(tx.PeekSerial()).To(Equal(uint64(8)))
			return nil
		})).To(Succeed())

		// The next CRL the CA writes continues the imported numbering and
		// keeps the imported revocations.
		myCA := ca.New(store, testConfig())
		result, err := myCA.Generate(ca.GenerateRequest{Subject: "post-import"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Serial).To(Equal(uint64(8)))
		Expect(myCA.Revoke("post-import")).To(Succeed())

		crl := readCRL(store)
		Expect(crl.Number.Int64()).To(Equal(int64(6)))
		Expect(crl.RevokedCertificateEntries).To(HaveLen(3))
	})

	It("reserves the serial of a ledger-range CA certificate", func() {
		source := newStore()
		bootstrapped := ca.New(source, testConfig())
		Expect(bootstrapped.Init()).To(Succeed())
		certPEM, err := source.GetCACert()
		Expect(err).NotTo(HaveOccurred())
		keyPEM, err := source.GetCAKey()
		Expect(err).NotTo(HaveOccurred())

		Expect(ca.ImportCA(store, certPEM, keyPEM, nil)).To(Succeed())
		Expect(store.View(func(tx *storage.Tx) error {
			Expect(tx.PeekSerial()).To(Equal(uint64(2)))
			return nil
		})).To(Succeed())
	})

	It("rejects a CRL that was not issued by the imported CA", func() {
		_, _, foreignCRL, err := testutil.GenerateTestCA()
		Expect(err).NotTo(HaveOccurred())

		err = ca.ImportCA(store, cachedCrtPEM, cachedKeyPEM, foreignCRL)
		Expect(err).To(MatchError(ContainSubstring("not issued by the imported CA")))
		Expect(fileExists(store.CACertPath())).To(BeFalse())
	})

	It("rejects a cert/key mismatch", func() {
		_, altCertPEM, _, err := testutil.GenerateTestCA()
		Expect(err).NotTo(HaveOccurred())

		err = ca.ImportCA(store, altCertPEM, cachedKeyPEM, nil)
		Expect(err).To(MatchError(ContainSubstring("does not match")))
		Expect(fileExists(store.CAKeyPath())).To(BeFalse())
	})

	It("rejects a non-CA certificate", func() {
		Expect(ca.ImportCA(store, cachedCrtPEM, cachedKeyPEM, nil)).To(Succeed())

		myCA := ca.New(store, testConfig())
		leaf, err := myCA.Generate(ca.GenerateRequest{Subject: "leaf-for-import-test"})
		Expect(err).NotTo(HaveOccurred())

		err = ca.ImportCA(newStore(), leaf.CertificatePEM, leaf.PrivateKeyPEM, nil)
		Expect(err).To(MatchError(ContainSubstring("IsCA")))
	})
})
