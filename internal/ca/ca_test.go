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
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/fleet-ca/internal/ca"
	"github.com/tvaughan/fleet-ca/internal/storage"
	"github.com/tvaughan/fleet-ca/internal/testutil"
)

var _ = Describe("CA Lifecycle", func() {
	var (
		myCA  *ca.CA
		store *storage.StorageService
	)

	BeforeEach(func() {
		store = newStore()
		myCA = seededCA(store, testConfig())
	})

	Context("Initialization", func() {
		It("should load existing CA successfully", func() {
			Expect(myCA.IsReady()).To(BeTrue())
			Expect(myCA.State()).To(Equal(ca.StateReady))

			loadedCert, err := os.ReadFile(store.CACertPath())
			Expect(err).NotTo(HaveOccurred())
			Expect(loadedCert).To(Equal(cachedCrtPEM))
		})

		It("is a no-op when called again", func() {
			cert := myCA.CACert
			Expect(myCA.Init()).To(Succeed())
			Expect(myCA.CACert).To(BeIdenticalTo(cert))
		})
	})

	Context("CSR Handling", func() {
		var csrPEM []byte

		BeforeEach(func() {
			var err error
			csrPEM, err = testutil.GenerateCSR("test-node")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should save a valid CSR but not sign it when autosign is off", func() {
			signed, err := myCA.SaveRequest("test-node", csrPEM)
			Expect(err).NotTo(HaveOccurred())
			Expect(signed).To(BeFalse(), "Expected signed=false (autosign off)")

			_, err = os.Stat(filepath.Join(store.CADir(), "requests", "test-node.pem"))
			Expect(err).NotTo(HaveOccurred(), "CSR file should be created")
			Expect(store.HasCert("test-node")).To(BeFalse())
		})

		It("should sign a valid CSR", func() {
			_, err := myCA.SaveRequest("test-node", csrPEM)
			Expect(err).NotTo(HaveOccurred())

			certPEM, err := myCA.Sign("test-node")
			Expect(err).NotTo(HaveOccurred())

			_, err = os.Stat(filepath.Join(store.CADir(), "signed", "test-node.pem"))
			Expect(err).NotTo(HaveOccurred(), "Signed cert file should be created")
			Expect(store.HasCSR("test-node")).To(BeFalse(), "CSR should be consumed by signing")

			cert := decodeCert(certPEM)
			Expect(cert.Subject.CommonName).To(Equal("test-node"))
			Expect(cert.IsCA).To(BeFalse())
			Expect(cert.CheckSignatureFrom(decodeCert(cachedCrtPEM))).To(Succeed(),
				"Certificate validation against CA failed")
		})

		It("allocates increasing serials from the ledger", func() {
			csr2, err := testutil.GenerateCSR("test-node-2")
			Expect(err).NotTo(HaveOccurred())
			_, err = myCA.SaveRequest("test-node", csrPEM)
			Expect(err).NotTo(HaveOccurred())
			_, err = myCA.SaveRequest("test-node-2", csr2)
			Expect(err).NotTo(HaveOccurred())

			first, err := myCA.Sign("test-node")
			Expect(err).NotTo(HaveOccurred())
			second, err := myCA.Sign("test-node-2")
			Expect(err).NotTo(HaveOccurred())

			s1 := decodeCert(first).SerialNumber.Uint64()
			s2 := decodeCert(second).SerialNumber.Uint64()
			Expect(s2).To(BeNumerically(">", s1))

			entries, err := store.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Subject).To(Equal("test-node"))
			Expect(entries[0].Status).To(Equal(storage.StatusSigned))
		})

		It("treats signing an already signed subject as a no-op", func() {
			_, err := myCA.SaveRequest("test-node", csrPEM)
			Expect(err).NotTo(HaveOccurred())
			first, err := myCA.Sign("test-node")
			Expect(err).NotTo(HaveOccurred())

			again, err := myCA.Sign("test-node")
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(first))

			entries, err := store.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		It("embeds the DNS alt names of the request", func() {
			sanCSR, err := testutil.GenerateCSR("san-node", "san-node", "www.example.com")
			Expect(err).NotTo(HaveOccurred())
			_, err = myCA.SaveRequest("san-node", sanCSR)
			Expect(err).NotTo(HaveOccurred())

			certPEM, err := myCA.Sign("san-node")
			Expect(err).NotTo(HaveOccurred())
			Expect(decodeCert(certPEM).DNSNames).To(ConsistOf("san-node", "www.example.com"))
		})
	})

	Context("Negative Tests", func() {
		It("should fail to sign non-existent CSR", func() {
			_, err := myCA.Sign("ghost-node")
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, ca.ErrMissingRequest)).To(BeTrue())
		})

		It("should fail to sign invalid subject name", func() {
			_, err := myCA.Sign("bad/name")
			Expect(errors.Is(err, ca.ErrInvalidSubject)).To(BeTrue())
		})

		It("should fail to save invalid subject name", func() {
			csrPEM, _ := testutil.GenerateCSR("bad/name")
			_, err := myCA.SaveRequest("bad/name", csrPEM)
			Expect(err).To(HaveOccurred())
		})

		It("should fail to sign garbage CSR data", func() {
			Expect(store.Update(func(tx *storage.Tx) error {
				return tx.SaveCSR("garbage-node", []byte("GARBAGE"))
			})).To(Succeed())
			_, err := myCA.Sign("garbage-node")
			Expect(err).To(HaveOccurred())
			Expect(store.HasCert("garbage-node")).To(BeFalse())
		})

		It("should reject a subject containing ..", func() {
			_, err := myCA.Sign("a..b")
			Expect(err).To(HaveOccurred())
			_, err = myCA.SaveRequest("a..b", []byte("fake"))
			Expect(err).To(HaveOccurred())
		})

		It("rejects a CSR whose common name differs from the subject", func() {
			csrPEM, err := testutil.GenerateCSR("other-node")
			Expect(err).NotTo(HaveOccurred())
			_, err = myCA.SaveRequest("test-node", csrPEM)
			Expect(err).To(MatchError(ContainSubstring("does not match requested subject")))
			Expect(store.HasCSR("test-node")).To(BeFalse())
		})

		It("rejects a CSR with a malformed DNS alt name", func() {
			csrPEM, err := testutil.GenerateCSR("dns-node", "bad_name!")
			Expect(err).NotTo(HaveOccurred())
			_, err = myCA.SaveRequest("dns-node", csrPEM)
			Expect(errors.Is(err, ca.ErrInvalidSubject)).To(BeTrue())
			Expect(store.HasCSR("dns-node")).To(BeFalse())
		})
	})

	Context("Bulk signing", func() {
		It("sorts subjects into signed, no-csr and signing-errors", func() {
			csrPEM, err := testutil.GenerateCSR("bulk-node")
			Expect(err).NotTo(HaveOccurred())
			_, err = myCA.SaveRequest("bulk-node", csrPEM)
			Expect(err).NotTo(HaveOccurred())

			result := myCA.SignMultiple([]string{"bulk-node", "missing-node", "Bad/Name"})
			Expect(result.Signed).To(ConsistOf("bulk-node"))
			Expect(result.NoCSR).To(ConsistOf("missing-node"))
			Expect(result.SigningErrors).To(ConsistOf("Bad/Name"))
		})

		It("SignAll signs every pending request", func() {
			for _, name := range []string{"all-a", "all-b"} {
				csrPEM, err := testutil.GenerateCSR(name)
				Expect(err).NotTo(HaveOccurred())
				_, err = myCA.SaveRequest(name, csrPEM)
				Expect(err).NotTo(HaveOccurred())
			}

			result, err := myCA.SignAll()
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Signed).To(ConsistOf("all-a", "all-b"))
			Expect(store.HasCert("all-a")).To(BeTrue())
			Expect(store.HasCert("all-b")).To(BeTrue())
		})
	})
})

// --- Revocation ---

var _ = Describe("CA Revocation", func() {
	var (
		myCA  *ca.CA
		store *storage.StorageService
	)

	BeforeEach(func() {
		store = newStore()
		myCA = seededCA(store, testConfig())
	})

	signNode := func(subject string) *x509.Certificate {
		csrPEM, err := testutil.GenerateCSR(subject)
		Expect(err).NotTo(HaveOccurred())
		_, err = myCA.SaveRequest(subject, csrPEM)
		Expect(err).NotTo(HaveOccurred())
		certPEM, err := myCA.Sign(subject)
		Expect(err).NotTo(HaveOccurred())
		return decodeCert(certPEM)
	}

	It("marks a signed certificate as revoked in the ledger and the CRL", func() {
		cert := signNode("revoke-node")
		Expect(myCA.IsRevoked("revoke-node")).To(BeFalse())

		Expect(myCA.Revoke("revoke-node")).To(Succeed())
		Expect(myCA.IsRevoked("revoke-node")).To(BeTrue())
		Expect(store.HasCert("revoke-node")).To(BeFalse())

		crlPEM, err := store.GetCRL()
		Expect(err).NotTo(HaveOccurred())
		block, _ := pem.Decode(crlPEM)
		Expect(block).NotTo(BeNil())
		crl, err := x509.ParseRevocationList(block.Bytes)
		Expect(err).NotTo(HaveOccurred())
		Expect(crl.CheckSignatureFrom(myCA.CACert)).To(Succeed())
		Expect(crl.RevokedCertificateEntries).To(HaveLen(1))
		Expect(crl.RevokedCertificateEntries[0].SerialNumber.Cmp(cert.SerialNumber)).To(Equal(0))
	})

	It("bumps the CRL number on every revocation", func() {
		signNode("crl-a")
		signNode("crl-b")
		Expect(myCA.Revoke("crl-a")).To(Succeed())
		first := readCRL(store)
		Expect(myCA.Revoke("crl-b")).To(Succeed())
		second := readCRL(store)

		Expect(second.Number.Cmp(first.Number)).To(Equal(1))
		Expect(second.RevokedCertificateEntries).To(HaveLen(2))
	})

	It("IsRevoked returns false for a node that was never signed", func() {
		Expect(myCA.IsRevoked("ghost-node")).To(BeFalse())
	})

	It("returns ErrNotFound when revoking a subject that was never signed", func() {
		err := myCA.Revoke("never-signed")
		Expect(errors.Is(err, ca.ErrNotFound)).To(BeTrue())
	})
})

func readCRL(store *storage.StorageService) *x509.RevocationList {
	crlPEM, err := store.GetCRL()
	Expect(err).NotTo(HaveOccurred())
	block, _ := pem.Decode(crlPEM)
	Expect(block).NotTo(BeNil())
	crl, err := x509.ParseRevocationList(block.Bytes)
	Expect(err).NotTo(HaveOccurred())
	return crl
}

// --- SaveRequest edge cases ---

var _ = Describe("CA SaveRequest edge cases", func() {
	var (
		myCA  *ca.CA
		store *storage.StorageService
	)

	BeforeEach(func() {
		store = newStore()
		myCA = seededCA(store, testConfig())
	})

	It("returns ErrCertExists when a valid cert already exists for the subject", func() {
		csrPEM, err := testutil.GenerateCSR("dup-node")
		Expect(err).NotTo(HaveOccurred())
		_, err = myCA.SaveRequest("dup-node", csrPEM)
		Expect(err).NotTo(HaveOccurred())
		_, err = myCA.Sign("dup-node")
		Expect(err).NotTo(HaveOccurred())

		csrPEM2, err := testutil.GenerateCSR("dup-node")
		Expect(err).NotTo(HaveOccurred())
		_, err = myCA.SaveRequest("dup-node", csrPEM2)
		Expect(errors.Is(err, ca.ErrCertExists)).To(BeTrue())

		// The rejected CSR must not be left on disk.
		Expect(store.HasCSR("dup-node")).To(BeFalse())
	})

	It("replaces a pending CSR with a newer submission", func() {
		first, err := testutil.GenerateCSR("resubmit-node")
		Expect(err).NotTo(HaveOccurred())
		second, err := testutil.GenerateCSR("resubmit-node")
		Expect(err).NotTo(HaveOccurred())

		_, err = myCA.SaveRequest("resubmit-node", first)
		Expect(err).NotTo(HaveOccurred())
		_, err = myCA.SaveRequest("resubmit-node", second)
		Expect(err).NotTo(HaveOccurred())

		onDisk, err := store.GetCSR("resubmit-node")
		Expect(err).NotTo(HaveOccurred())
		Expect(onDisk).To(Equal(second))
	})

	It("allows re-registration after a certificate is revoked", func() {
		csrPEM, err := testutil.GenerateCSR("rereg-node")
		Expect(err).NotTo(HaveOccurred())
		_, err = myCA.SaveRequest("rereg-node", csrPEM)
		Expect(err).NotTo(HaveOccurred())
		_, err = myCA.Sign("rereg-node")
		Expect(err).NotTo(HaveOccurred())

		Expect(myCA.Revoke("rereg-node")).To(Succeed())

		csrPEM2, err := testutil.GenerateCSR("rereg-node")
		Expect(err).NotTo(HaveOccurred())
		_, err = myCA.SaveRequest("rereg-node", csrPEM2)
		Expect(err).NotTo(HaveOccurred())

		Expect(store.HasCert("rereg-node")).To(BeFalse())
		Expect(store.HasCSR("rereg-node")).To(BeTrue())
	})

	It("rejects a malformed CSR without writing anything to disk", func() {
		_, err := myCA.SaveRequest("bad-csr-node", []byte("NOT PEM"))
		Expect(err).To(HaveOccurred())
		Expect(store.HasCSR("bad-csr-node")).To(BeFalse())
	})

	It("deletes a pending CSR and reports ErrNotFound the second time", func() {
		csrPEM, err := testutil.GenerateCSR("withdrawn-node")
		Expect(err).NotTo(HaveOccurred())
		_, err = myCA.SaveRequest("withdrawn-node", csrPEM)
		Expect(err).NotTo(HaveOccurred())

		Expect(myCA.DeleteRequest("withdrawn-node")).To(Succeed())
		Expect(store.HasCSR("withdrawn-node")).To(BeFalse())

		err = myCA.DeleteRequest("withdrawn-node")
		Expect(errors.Is(err, ca.ErrNotFound)).To(BeTrue())
	})
})

// --- ValidateSubject ---

var _ = Describe("ValidateSubject", func() {
	DescribeTable("valid subjects",
		func(s string) { Expect(ca.ValidateSubject(s)).To(Succeed()) },
		Entry("simple hostname", "fleet"),
		Entry("FQDN", "node.example.com"),
		Entry("with hyphens", "my-node-01"),
		Entry("with underscores", "my_node"),
	)

	DescribeTable("invalid subjects",
		func(s string) {
			err := ca.ValidateSubject(s)
			Expect(errors.Is(err, ca.ErrInvalidSubject)).To(BeTrue())
		},
		Entry("contains slash", "bad/name"),
		Entry("contains double-dot", "a..b"),
		Entry("double-dot only", ".."),
		Entry("uppercase letters", "BadNode"),
		Entry("empty string", ""),
	)
})

var _ = Describe("ValidateDNSName", func() {
	DescribeTable("valid names",
		func(s string) { Expect(ca.ValidateDNSName(s)).To(Succeed()) },
		Entry("single label", "node"),
		Entry("FQDN", "www.example.com"),
		Entry("wildcard", "*.example.com"),
		Entry("mixed case", "Node-1.Example.com"),
	)

	DescribeTable("invalid names",
		func(s string) { Expect(ca.ValidateDNSName(s)).To(HaveOccurred()) },
		Entry("empty", ""),
		Entry("underscore", "bad_name"),
		Entry("inner wildcard", "www.*.example.com"),
		Entry("leading hyphen", "-node.example.com"),
		Entry("trailing dot label", "node..example.com"),
	)
})

// --- CA:TRUE rejection ---

var _ = Describe("CA sign rejects CA:TRUE extension", func() {
	var myCA *ca.CA

	BeforeEach(func() {
		myCA = seededCA(newStore(), testConfig())
	})

	It("returns an error containing the OID when BasicConstraints CA:TRUE is present", func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).NotTo(HaveOccurred())

		bcVal, err := asn1.Marshal(struct {
			IsCA bool `asn1:"optional"`
		}{IsCA: true})
		Expect(err).NotTo(HaveOccurred())

		csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
			Subject: pkix.Name{CommonName: "evil-ca"},
			ExtraExtensions: []pkix.Extension{{
				Id:       asn1.ObjectIdentifier{2, 5, 29, 19},
				Critical: true,
				Value:    bcVal,
			}},
		}, key)
		Expect(err).NotTo(HaveOccurred())

		csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrBytes})

		// Storing the request is fine; signing it is not.
		_, err = myCA.SaveRequest("evil-ca", csrPEM)
		Expect(err).NotTo(HaveOccurred())

		_, err = myCA.Sign("evil-ca")
		Expect(errors.Is(err, ca.ErrExtensionsDisallowed)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("disallow signing"))
		Expect(err.Error()).To(ContainSubstring("2.5.29.19"))
	})
})
