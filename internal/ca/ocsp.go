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
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/tvaughan/fleet-ca/internal/storage"
)

// OCSPValidity is the NextUpdate window of every OCSP answer. Nonce-less
// answers are cached for as long, and the HTTP layer advertises the same
// max-age on GET.
const OCSPValidity = 4 * time.Hour

type ocspCacheEntry struct {
	der       []byte
	expiresAt time.Time
}

// RFC 8954 §2.
var oidNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}

// x/crypto/ocsp drops requestExtensions, so the nonce is read from the raw
// TBSRequest.
type rawTBSRequest struct {
	Version       int              `asn1:"explicit,tag:0,default:0,optional"`
	RequestorName asn1.RawValue    `asn1:"explicit,tag:1,optional"`
	RequestList   asn1.RawValue
	Extensions    []pkix.Extension `asn1:"explicit,tag:2,optional"`
}

type rawOCSPRequest struct {
	TBSRequest rawTBSRequest
}

func requestNonce(reqDER []byte) (pkix.Extension, bool) {
	var req rawOCSPRequest
	if _, err := asn1.Unmarshal(reqDER, &req); err != nil {
		return pkix.Extension{}, false
	}
	for _, ext := range req.TBSRequest.Extensions {
		if ext.Id.Equal(oidNonce) {
			return ext, true
		}
	}
	return pkix.Extension{}, false
}

// ledgerStatus fills in the status fields of tmpl from the ledger entry for
// serial. Serials the ledger never recorded stay Unknown.
func (c *CA) ledgerStatus(serial *big.Int, tmpl *ocsp.Response) error {
	tmpl.Status = ocsp.Unknown
	if !serial.IsUint64() {
		return nil
	}
	return c.Storage.View(func(tx *storage.Tx) error {
		e, err := tx.Entry(serial.Uint64())
		switch {
		case errors.Is(err, storage.ErrNoEntry):
			return nil
		case err != nil:
			return err
		case e.Status != storage.StatusRevoked:
			tmpl.Status = ocsp.Good
			return nil
		}
		tmpl.Status = ocsp.Revoked
		tmpl.RevocationReason = ocsp.Unspecified
		if e.RevokedAt != nil {
			tmpl.RevokedAt = *e.RevokedAt
		}
		return nil
	})
}

func (c *CA) cachedOCSP(serial uint64, now time.Time) ([]byte, bool) {
	c.ocspMu.RLock()
	defer c.ocspMu.RUnlock()
	e, ok := c.ocspCache[serial]
	if !ok || !now.Before(e.expiresAt) {
		return nil, false
	}
	return e.der, true
}

func (c *CA) cacheOCSP(serial uint64, der []byte, expiresAt time.Time) {
	c.ocspMu.Lock()
	c.ocspCache[serial] = ocspCacheEntry{der: der, expiresAt: expiresAt}
	c.ocspMu.Unlock()
}

// forgetOCSP drops the cached answer for serial so the next query sees
// its revocation.
func (c *CA) forgetOCSP(serial uint64) {
	c.ocspMu.Lock()
	delete(c.ocspCache, serial)
	c.ocspMu.Unlock()
}

// OCSPResponse answers a DER OCSPRequest from the certificate ledger, signed
// directly by the CA key (RFC 6960 §2.6). A request nonce is echoed and
// bypasses the response cache.
//
// Malformed requests return a plain error; failures on the CA side wrap
// ErrInternal.
func (c *CA) OCSPResponse(reqDER []byte) ([]byte, error) {
	req, err := ocsp.ParseRequest(reqDER)
	if err != nil {
		return nil, fmt.Errorf("parsing OCSP request: %w", err)
	}
	if err := c.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	now := time.Now().UTC()
	nonce, hasNonce := requestNonce(reqDER)
	cacheable := !hasNonce && req.SerialNumber.IsUint64()
	if cacheable {
		if der, ok := c.cachedOCSP(req.SerialNumber.Uint64(), now); ok {
			return der, nil
		}
	}

	tmpl := ocsp.Response{
		SerialNumber: req.SerialNumber,
		ThisUpdate:   now,
		NextUpdate:   now.Add(OCSPValidity),
	}
	if err := c.ledgerStatus(req.SerialNumber, &tmpl); err != nil {
		return nil, fmt.Errorf("%w: reading ledger: %w", ErrInternal, err)
	}
	if hasNonce {
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, nonce)
	}

	der, err := ocsp.CreateResponse(c.CACert, c.CACert, tmpl, c.CAKey)
	if err != nil {
		return nil, fmt.Errorf("%w: signing OCSP response: %w", ErrInternal, err)
	}
	if cacheable {
		c.cacheOCSP(req.SerialNumber.Uint64(), der, tmpl.NextUpdate)
	}
	return der, nil
}
