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

// Package storage persists the CA keypair, the root certificate, per-subject
// certificates, keys and requests, and the bbolt ledger that owns the serial
// counter. Mutations go through Update; everything else is a lock-free read
// of files that are only ever replaced atomically.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	FilePermPrivate = 0640
	FilePermPublic  = 0644
	DirPerm         = 0750

	// DefaultLockTimeout bounds how long Update and View wait for the store lock.
	DefaultLockTimeout = 10 * time.Second
)

// Store layout, relative to the base directory.
const (
	dirSigned   = "signed"
	dirRequests = "requests"
	dirPrivate  = "private"
	dirCerts    = "certs"

	fileCAKey    = "ca_key.pem"
	fileCACert   = "ca_crt.pem"
	fileCAPubKey = "ca_pub.pem"
	fileCRL      = "ca_crl.pem"
	fileLedger   = "ca.db"
	pemExt       = ".pem"
)

// StorageService owns one CA directory.
type StorageService struct {
	baseDir string
	root    string // absolute baseDir, keys the in-process lock

	// LockTimeout is how long to wait for the exclusive store lock before
	// failing with ErrLockUnavailable.
	LockTimeout time.Duration
}

func New(baseDir string) *StorageService {
	root, err := filepath.Abs(baseDir)
	if err != nil {
		root = filepath.Clean(baseDir)
	}
	return &StorageService{
		baseDir:     baseDir,
		root:        root,
		LockTimeout: DefaultLockTimeout,
	}
}

func (s *StorageService) join(elem ...string) string {
	return filepath.Join(append([]string{s.baseDir}, elem...)...)
}

// EnsureDirs creates the base directory and its subdirectories.
func (s *StorageService) EnsureDirs() error {
	for _, d := range []string{"", dirSigned, dirRequests, dirPrivate, dirCerts} {
		if err := os.MkdirAll(s.join(d), DirPerm); err != nil {
			return err
		}
	}
	return nil
}

func (s *StorageService) CADir() string { return s.baseDir }

func (s *StorageService) CAKeyPath() string    { return s.join(dirPrivate, fileCAKey) }
func (s *StorageService) CACertPath() string   { return s.join(fileCACert) }
func (s *StorageService) CAPubKeyPath() string { return s.join(fileCAPubKey) }
func (s *StorageService) CRLPath() string      { return s.join(fileCRL) }

// CachedCACertPath is the copy of the CA certificate a non-CA node would
// have fetched.
func (s *StorageService) CachedCACertPath() string { return s.join(dirCerts, "ca"+pemExt) }

// LedgerPath is the bbolt database holding the serial counter and the
// certificate ledger. Its file lock is the store's process-visible lock.
func (s *StorageService) LedgerPath() string { return s.join(fileLedger) }

// CSRDir holds pending requests, one <subject>.pem each.
func (s *StorageService) CSRDir() string { return s.join(dirRequests) }

// SignedDir holds issued certificates, one <subject>.pem each.
func (s *StorageService) SignedDir() string { return s.join(dirSigned) }

func (s *StorageService) PrivateKeyPath(subject string) string {
	return s.join(dirPrivate, subject+"_key"+pemExt)
}

// Subjects are pre-validated as ^[a-z0-9._-]+$ by the CA layer.
func (s *StorageService) reqPath(subject string) string {
	return s.join(dirRequests, subject+pemExt)
}

func (s *StorageService) signedPath(subject string) string {
	return s.join(dirSigned, subject+pemExt)
}

// --- Lock-free reads ---

func (s *StorageService) GetCAKey() ([]byte, error) {
	return os.ReadFile(s.CAKeyPath())
}

func (s *StorageService) GetCACert() ([]byte, error) {
	return os.ReadFile(s.CACertPath())
}

func (s *StorageService) GetCachedCACert() ([]byte, error) {
	return os.ReadFile(s.CachedCACertPath())
}

func (s *StorageService) GetCRL() ([]byte, error) {
	return os.ReadFile(s.CRLPath())
}

func (s *StorageService) GetCSR(subject string) ([]byte, error) {
	return os.ReadFile(s.reqPath(subject))
}

func (s *StorageService) GetCert(subject string) ([]byte, error) {
	return os.ReadFile(s.signedPath(subject))
}

func (s *StorageService) GetPrivateKey(subject string) ([]byte, error) {
	return os.ReadFile(s.PrivateKeyPath(subject))
}

// HasCert reports whether a signed certificate exists for subject.
func (s *StorageService) HasCert(subject string) bool {
	return exists(s.signedPath(subject))
}

// HasCSR reports whether a pending CSR exists for subject.
func (s *StorageService) HasCSR(subject string) bool {
	return exists(s.reqPath(subject))
}

func (s *StorageService) HasPrivateKey(subject string) bool {
	return exists(s.PrivateKeyPath(subject))
}

// CSRSubmittedAt returns when the pending CSR for subject was written.
func (s *StorageService) CSRSubmittedAt(subject string) (time.Time, error) {
	info, err := os.Stat(s.reqPath(subject))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// ListCSRs returns the subject names of all pending certificate requests.
func (s *StorageService) ListCSRs() ([]string, error) {
	return listSubjectsInDir(s.CSRDir())
}

// ListCerts returns the subject names of all signed certificates.
func (s *StorageService) ListCerts() ([]string, error) {
	return listSubjectsInDir(s.SignedDir())
}

func listSubjectsInDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	} else if err != nil {
		return nil, err
	}
	subjects := make([]string, 0, len(entries))
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), pemExt)
		// Temp files from writeFileAtomic start with a dot.
		if !ok || e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		subjects = append(subjects, name)
	}
	return subjects, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeFileAtomic replaces path with data so that a concurrent reader sees
// either the old or the new content, never a partial file.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// removeFile removes path, reporting whether it existed.
func removeFile(path string) (bool, error) {
	switch err := os.Remove(path); {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
