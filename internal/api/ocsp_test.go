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
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	xocsp "golang.org/x/crypto/ocsp"

	"github.com/tvaughan/fleet-ca/internal/api"
	"github.com/tvaughan/fleet-ca/internal/authz"
	"github.com/tvaughan/fleet-ca/internal/ca"
	"github.com/tvaughan/fleet-ca/internal/testutil"
)

// signCert submits and signs a CSR for subject, returning the leaf.
func signCert(myCA *ca.CA, subject string) *x509.Certificate {
	csrPEM, err := testutil.GenerateCSR(subject)
	Expect(err).NotTo(HaveOccurred())
	_, err = myCA.SaveRequest(subject, csrPEM)
	Expect(err).NotTo(HaveOccurred())
	certPEM, err := myCA.Sign(subject)
	Expect(err).NotTo(HaveOccurred())
	block, _ := pem.Decode(certPEM)
	Expect(block).NotTo(BeNil())
	cert, err := x509.ParseCertificate(block.Bytes)
	Expect(err).NotTo(HaveOccurred())
	return cert
}

func ocspReqDER(cert, issuer *x509.Certificate) []byte {
	der, err := testutil.BuildOCSPRequest(cert, issuer)
	Expect(err).NotTo(HaveOccurred())
	return der
}

// ocspCall builds the HTTP request for one of the supported encodings.
type ocspCall func(der []byte) *http.Request

var (
	postOCSP = func(prefix string) ocspCall {
		return func(der []byte) *http.Request {
			return httptest.NewRequest(http.MethodPost, prefix+"/ocsp", bytes.NewReader(der))
		}
	}
	getOCSPStd ocspCall = func(der []byte) *http.Request {
		// Standard base64 has to be escaped so '/' and '+' survive routing.
		return httptest.NewRequest(http.MethodGet, "/ocsp/"+url.PathEscape(base64.StdEncoding.EncodeToString(der)), nil)
	}
	getOCSPRawURL ocspCall = func(der []byte) *http.Request {
		return httptest.NewRequest(http.MethodGet, "/ocsp/"+base64.RawURLEncoding.EncodeToString(der), nil)
	}
)

var _ = Describe("OCSP endpoint", func() {
	var (
		myCA *ca.CA
		mux  http.Handler
	)

	BeforeEach(func() {
		myCA = seededCA(newStore())
		mux = api.New(myCA).Routes()
	})

	send := func(call ocspCall, der []byte) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, call(der))
		return rr
	}

	parse := func(rr *httptest.ResponseRecorder) *xocsp.Response {
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(rr.Header().Get("Content-Type")).To(Equal("application/ocsp-response"))
		resp, err := xocsp.ParseResponse(rr.Body.Bytes(), myCA.CACert)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	DescribeTable("answers Good for a live certificate",
		func(subject string, call ocspCall, cacheControl bool) {
			cert := signCert(myCA, subject)
			rr := send(call, ocspReqDER(cert, myCA.CACert))
			Expect(parse(rr).Status).To(Equal(xocsp.Good))

			if cacheControl {
				Expect(rr.Header().Get("Cache-Control")).To(And(ContainSubstring("max-age="), ContainSubstring("public")))
			} else {
				Expect(rr.Header().Get("Cache-Control")).To(BeEmpty())
			}
		},
		Entry("POST", "post-node", postOCSP(""), false),
		Entry("POST under the prefix", "prefixed-node", postOCSP(api.Prefix), false),
		Entry("GET, escaped standard base64", "get-std-node", getOCSPStd, true),
		Entry("GET, unpadded URL-safe base64", "get-raw-node", getOCSPRawURL, true),
	)

	It("answers Revoked once the certificate is revoked", func() {
		cert := signCert(myCA, "revoked-node")
		Expect(myCA.Revoke("revoked-node")).To(Succeed())
		Expect(parse(send(postOCSP(""), ocspReqDER(cert, myCA.CACert))).Status).To(Equal(xocsp.Revoked))
	})

	It("answers Unknown for a certificate this CA never issued", func() {
		_, strangerPEM, _, err := testutil.GenerateTestCA()
		Expect(err).NotTo(HaveOccurred())
		block, _ := pem.Decode(strangerPEM)
		stranger, err := x509.ParseCertificate(block.Bytes)
		Expect(err).NotTo(HaveOccurred())

		Expect(parse(send(postOCSP(""), ocspReqDER(stranger, myCA.CACert))).Status).To(Equal(xocsp.Unknown))
	})

	It("echoes the request nonce", func() {
		cert := signCert(myCA, "nonce-node")
		der, err := testutil.BuildOCSPRequestWithNonce(cert, myCA.CACert, []byte("0123456789abcdef"))
		Expect(err).NotTo(HaveOccurred())

		resp := parse(send(postOCSP(""), der))
		ids := []asn1.ObjectIdentifier{}
		for _, ext := range resp.Extensions {
			ids = append(ids, ext.Id)
		}
		Expect(ids).To(ContainElement(asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}))
	})

	DescribeTable("answers malformedRequest for bad input",
		func(req *http.Request) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(rr.Header().Get("Content-Type")).To(Equal("application/ocsp-response"))
			Expect(rr.Body.Bytes()).To(Equal(xocsp.MalformedRequestErrorResponse))
		},
		Entry("POST body that is not DER", httptest.NewRequest(http.MethodPost, "/ocsp", strings.NewReader("not DER"))),
		Entry("GET path that is not base64", httptest.NewRequest(http.MethodGet, "/ocsp/!!!notbase64!!!", nil)),
	)

	It("answers internalError when the CA cannot start", func() {
		store := newStore()
		Expect(testutil.SeedForeignCA(store, cachedCrtPEM)).To(Succeed())
		broken := ca.New(store, testConfig())
		Expect(broken.Init()).To(MatchError(ca.ErrIdentityMismatch))

		cert := signCert(myCA, "orphan-node")
		rr := httptest.NewRecorder()
		api.New(broken).Routes().ServeHTTP(rr, postOCSP("")(ocspReqDER(cert, myCA.CACert)))

		Expect(rr.Code).To(Equal(http.StatusInternalServerError))
		Expect(rr.Body.Bytes()).To(Equal(xocsp.InternalErrorErrorResponse))
	})

	It("stays public when an authorization engine is configured", func() {
		cert := signCert(myCA, "public-node")
		server := api.New(myCA)
		server.Authz = authz.DefaultRules(nil)

		req := postOCSP("")(ocspReqDER(cert, myCA.CACert))
		req.RemoteAddr = "192.0.2.10:41000"
		rr := httptest.NewRecorder()
		server.Routes().ServeHTTP(rr, req)

		Expect(rr.Code).To(Equal(http.StatusOK))
	})
})
