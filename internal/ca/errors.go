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
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tvaughan/fleet-ca/internal/storage"
)

var (
	// ErrIdentityMismatch means the CA certificate on disk does not belong to
	// any CA key held locally. It is never repaired automatically.
	ErrIdentityMismatch = errors.New("CA identity mismatch: this node does not hold the key for the CA certificate")

	// ErrNoAuthority means the store holds no CA identity and this node is
	// not allowed to create one.
	ErrNoAuthority = errors.New("no CA identity in the store and this node is not a certificate authority")

	// ErrMissingRequest is returned when signing a subject with no pending CSR.
	ErrMissingRequest = errors.New("no pending certificate request")

	// ErrLockUnavailable is returned when the certificate store lock cannot be taken.
	ErrLockUnavailable = storage.ErrLockUnavailable

	// ErrCertExists is returned when a certificate already exists for the
	// requested subject.
	ErrCertExists = errors.New("certificate already exists")

	// ErrNotFound is returned when there is no certificate for a subject.
	ErrNotFound = errors.New("certificate or CSR not found")

	// ErrInvalidSubject is returned for subject or DNS names that fail validation.
	ErrInvalidSubject = errors.New("invalid subject name")

	// ErrInternal marks failures on the CA side (an unusable identity, an
	// unreadable ledger) as opposed to a bad request.
	ErrInternal = errors.New("internal CA error")

	// ErrExtensionsDisallowed is returned when a CSR asks for CA capabilities.
	ErrExtensionsDisallowed = errors.New("CSR requests extensions that disallow signing")
)

// errNotReady is returned from inside a store transaction that needs the CA
// key before Init has run. Callers retry after ensureReady.
var errNotReady = fmt.Errorf("%w: CA is not initialized", ErrInternal)

var (
	subjectRegex = regexp.MustCompile(`^[a-z0-9._-]+$`)
	dnsNameRegex = regexp.MustCompile(`^(\*\.)?[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*$`)
)

// ValidateSubject returns an error if subject contains unsafe characters.
// It is the single source of truth for subject name validation used by both
// the CA layer and the API layer.
func ValidateSubject(subject string) error {
	if !subjectRegex.MatchString(subject) || strings.Contains(subject, "..") {
		return fmt.Errorf("%w %q: must match ^[a-z0-9._-]+$ and must not contain ..", ErrInvalidSubject, subject)
	}
	return nil
}

// ValidateDNSName checks a single DNS alt name. A leading "*." wildcard label
// is allowed.
func ValidateDNSName(name string) error {
	if len(name) > 253 || !dnsNameRegex.MatchString(name) {
		return fmt.Errorf("%w: bad DNS alt name %q", ErrInvalidSubject, name)
	}
	return nil
}
