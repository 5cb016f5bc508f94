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

package api_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/fleet-ca/internal/api"
	"github.com/tvaughan/fleet-ca/internal/authz"
	"github.com/tvaughan/fleet-ca/internal/ca"
	"github.com/tvaughan/fleet-ca/internal/storage"
	"github.com/tvaughan/fleet-ca/internal/testutil"
)

// issueClientCert creates a leaf cert with the given CN, signed by caCert/caKey,
// with ExtKeyUsageClientAuth so the x509.Verify call in the guard accepts it.
func issueClientCert(cn string, caCert *x509.Certificate, caKey *rsa.PrivateKey) *x509.Certificate {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).NotTo(HaveOccurred())

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(1 * time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	Expect(err).NotTo(HaveOccurred())
	cert, err := x509.ParseCertificate(certBytes)
	Expect(err).NotTo(HaveOccurred())
	return cert
}

// call sends a request from remoteAddr, presenting cert when non-nil.
func call(h http.Handler, method, path string, body []byte, remoteAddr string, cert *x509.Certificate) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	r.RemoteAddr = remoteAddr
	if cert != nil {
		r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

const (
	remoteAddr   = "192.0.2.10:41000"
	loopbackAddr = "127.0.0.1:41000"
)

var _ = Describe("Authorization guard", func() {
	var (
		store *storage.StorageService
		myCA  *ca.CA
		mux   http.Handler
		admin *x509.Certificate
		node  *x509.Certificate
	)

	BeforeEach(func() {
		store = newStore()
		myCA = seededCA(store)

		server := api.New(myCA)
		server.Authz = authz.DefaultRules([]string{"fleet-admin"})
		mux = server.Routes()

		admin = issueClientCert("fleet-admin", myCA.CACert, myCA.CAKey)
		node = issueClientCert("regular-node", myCA.CACert, myCA.CAKey)
	})

	Context("public routes", func() {
		DescribeTable("pass without a client certificate",
			func(method, path string, want int) {
				Expect(call(mux, method, path, nil, remoteAddr, nil).Code).To(Equal(want))
			},
			Entry("CA certificate", "GET", "/certificate/ca", http.StatusOK),
			Entry("a node certificate", "GET", "/certificate/ghost-node", http.StatusNotFound),
			Entry("CRL", "GET", "/certificate_revocation_list/ca", http.StatusOK),
			Entry("prefixed CRL", "GET", api.Prefix+"/certificate_revocation_list/ca", http.StatusOK),
			Entry("liveness", "GET", "/healthz/live", http.StatusOK),
			Entry("readiness", "GET", "/healthz/ready", http.StatusOK),
			Entry("metrics", "GET", "/metrics", http.StatusOK),
		)

		It("accepts a CSR submission without a client certificate", func() {
			csrPEM, err := testutil.GenerateCSR("public-node")
			Expect(err).NotTo(HaveOccurred())
			rr := call(mux, "PUT", "/certificate_request/public-node", csrPEM, remoteAddr, nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
		})
	})

	Context("protected routes", func() {
		protected := []TableEntry{
			Entry("status", "GET", "/certificate_status/some-node", ""),
			Entry("status update", "PUT", "/certificate_status/some-node", `{"desired_state":"signed"}`),
			Entry("clean", "DELETE", "/certificate_status/some-node", ""),
			Entry("list", "GET", "/certificate_statuses/all", ""),
			Entry("request", "GET", "/certificate_request/some-node", ""),
			Entry("request delete", "DELETE", "/certificate_request/some-node", ""),
			Entry("expirations", "GET", "/expirations", ""),
			Entry("sign", "POST", "/sign", `{"certnames":["some-node"]}`),
			Entry("sign all", "POST", "/sign/all", ""),
			Entry("generate", "POST", "/generate/some-node", ""),
			Entry("prefixed status update", "PUT", api.Prefix+"/certificate_status/some-node", `{"desired_state":"signed"}`),
		}

		DescribeTable("deny an anonymous remote caller with 403",
			func(method, path, body string) {
				rr := call(mux, method, path, []byte(body), remoteAddr, nil)
				Expect(rr.Code).To(Equal(http.StatusForbidden))
				Expect(errorKind(rr)).To(Equal(api.KindForbidden))
			},
			protected,
		)

		DescribeTable("deny a non-admin node with 403",
			func(method, path, body string) {
				rr := call(mux, method, path, []byte(body), remoteAddr, node)
				Expect(rr.Code).To(Equal(http.StatusForbidden))
				Expect(errorKind(rr)).To(Equal(api.KindForbidden))
			},
			protected,
		)

		DescribeTable("let the admin through",
			func(method, path, body string) {
				rr := call(mux, method, path, []byte(body), remoteAddr, admin)
				Expect(rr.Code).NotTo(Equal(http.StatusForbidden), rr.Body.String())
			},
			protected,
		)

		It("lets loopback callers through without a certificate", func() {
			rr := call(mux, "POST", "/sign/all", nil, loopbackAddr, nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
		})

		It("stops a denied request before it reaches the CA", func() {
			rr := call(mux, "POST", "/generate/sneaky-node", nil, remoteAddr, node)
			Expect(rr.Code).To(Equal(http.StatusForbidden))
			Expect(store.HasCert("sneaky-node")).To(BeFalse())
			Expect(store.HasPrivateKey("sneaky-node")).To(BeFalse())
		})
	})

	Context("self routes", func() {
		It("let a node read its own status and request", func() {
			csrPEM, err := testutil.GenerateCSR("regular-node")
			Expect(err).NotTo(HaveOccurred())
			Expect(call(mux, "PUT", "/certificate_request/regular-node", csrPEM, remoteAddr, nil).Code).To(Equal(http.StatusOK))

			Expect(call(mux, "GET", "/certificate_status/regular-node", nil, remoteAddr, node).Code).To(Equal(http.StatusOK))
			Expect(call(mux, "GET", "/certificate_request/regular-node", nil, remoteAddr, node).Code).To(Equal(http.StatusOK))
		})

		It("do not let a node read another node's status or request", func() {
			Expect(call(mux, "GET", "/certificate_status/other-node", nil, remoteAddr, node).Code).To(Equal(http.StatusForbidden))
			Expect(call(mux, "GET", "/certificate_request/other-node", nil, remoteAddr, node).Code).To(Equal(http.StatusForbidden))
		})

		It("do not extend to updating the node's own status", func() {
			rr := call(mux, "PUT", "/certificate_status/regular-node", []byte(`{"desired_state":"signed"}`), remoteAddr, node)
			Expect(rr.Code).To(Equal(http.StatusForbidden))
		})
	})

	Context("untrusted client certificates", func() {
		It("rejects an admin CN issued by a different CA", func() {
			altKeyPEM, altCertPEM, _, err := testutil.GenerateTestCA()
			Expect(err).NotTo(HaveOccurred())
			block, _ := pem.Decode(altCertPEM)
			altCert, err := x509.ParseCertificate(block.Bytes)
			Expect(err).NotTo(HaveOccurred())
			block, _ = pem.Decode(altKeyPEM)
			altKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			Expect(err).NotTo(HaveOccurred())

			forged := issueClientCert("fleet-admin", altCert, altKey)
			rr := call(mux, "POST", "/sign/all", nil, remoteAddr, forged)
			Expect(rr.Code).To(Equal(http.StatusForbidden))
		})

		It("rejects a revoked CN even on its own self route", func() {
			csrPEM, err := testutil.GenerateCSR("revoked-client")
			Expect(err).NotTo(HaveOccurred())
			_, err = myCA.SaveRequest("revoked-client", csrPEM)
			Expect(err).NotTo(HaveOccurred())
			_, err = myCA.Sign("revoked-client")
			Expect(err).NotTo(HaveOccurred())
			Expect(myCA.Revoke("revoked-client")).To(Succeed())

			// Revocation is looked up by CN in the ledger.
			revoked := issueClientCert("revoked-client", myCA.CACert, myCA.CAKey)
			rr := call(mux, "GET", "/certificate_status/revoked-client", nil, remoteAddr, revoked)
			Expect(rr.Code).To(Equal(http.StatusForbidden))
		})

		It("does not fall back to the address when a presented cert is rejected", func() {
			altKeyPEM, altCertPEM, _, err := testutil.GenerateTestCA()
			Expect(err).NotTo(HaveOccurred())
			block, _ := pem.Decode(altCertPEM)
			altCert, err := x509.ParseCertificate(block.Bytes)
			Expect(err).NotTo(HaveOccurred())
			block, _ = pem.Decode(altKeyPEM)
			altKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			Expect(err).NotTo(HaveOccurred())

			forged := issueClientCert("anyone", altCert, altKey)
			rr := call(mux, "POST", "/sign/all", nil, loopbackAddr, forged)
			Expect(rr.Code).To(Equal(http.StatusForbidden))
		})
	})
})

var _ = Describe("Authorization guard with a rule file", func() {
	const rules = `
[cert]
allow fleet-admin

[cert.generate]
allow *.provision.example.com
deny 10.10.1.1
`
	var (
		store       *storage.StorageService
		mux         http.Handler
		provisioner *x509.Certificate
		admin       *x509.Certificate
	)

	BeforeEach(func() {
		store = newStore()
		myCA := seededCA(store)

		engine, err := authz.Parse(strings.NewReader(rules))
		Expect(err).NotTo(HaveOccurred())
		server := api.New(myCA)
		server.Authz = engine
		mux = server.Routes()

		provisioner = issueClientCert("pxe01.provision.example.com", myCA.CACert, myCA.CAKey)
		admin = issueClientCert("fleet-admin", myCA.CACert, myCA.CAKey)
	})

	It("lets a provisioner generate from an allowed address", func() {
		rr := call(mux, "POST", "/generate/new-node?dns=new-node.example.com", nil, remoteAddr, provisioner)
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
		Expect(store.HasCert("new-node")).To(BeTrue())
	})

	It("denies the same provisioner from the blocked address", func() {
		rr := call(mux, "POST", "/generate/new-node", nil, "10.10.1.1:5000", provisioner)
		Expect(rr.Code).To(Equal(http.StatusForbidden))
		Expect(store.HasCert("new-node")).To(BeFalse())
	})

	It("keeps the provisioner out of namespaces that fall back to cert", func() {
		Expect(call(mux, "POST", "/sign/all", nil, remoteAddr, provisioner).Code).To(Equal(http.StatusForbidden))
		Expect(call(mux, "POST", "/sign/all", nil, remoteAddr, admin).Code).To(Equal(http.StatusOK))
	})

	It("uses only the nearest namespace with rules", func() {
		Expect(call(mux, "POST", "/generate/admin-node", nil, remoteAddr, admin).Code).To(Equal(http.StatusForbidden))
	})
})
