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

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"go.etcd.io/bbolt"
)

var errReadOnly = errors.New("store transaction is read-only")

// Tx is a store transaction handed to Update and View callbacks. Reads go
// straight to disk; writes and removals are journaled so the whole
// transaction can be undone.
type Tx struct {
	store    *StorageService
	btx      *bbolt.Tx
	readOnly bool

	journal []journalEntry
	seen    map[string]bool
}

type journalEntry struct {
	path    string
	existed bool
	prior   []byte
	perm    fs.FileMode
}

func newTx(s *StorageService) *Tx {
	return &Tx{store: s, seen: map[string]bool{}}
}

// remember snapshots path the first time the transaction touches it.
func (tx *Tx) remember(path string) error {
	if tx.seen[path] {
		return nil
	}
	je := journalEntry{path: path}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		je.existed = true
		je.prior = data
		je.perm = info.Mode().Perm()
	case errors.Is(err, fs.ErrNotExist):
	default:
		return err
	}
	tx.seen[path] = true
	tx.journal = append(tx.journal, je)
	return nil
}

func (tx *Tx) writeFile(path string, data []byte, perm fs.FileMode) error {
	if tx.readOnly {
		return errReadOnly
	}
	if err := tx.remember(path); err != nil {
		return err
	}
	return writeFileAtomic(path, data, perm)
}

func (tx *Tx) removeFile(path string) (bool, error) {
	if tx.readOnly {
		return false, errReadOnly
	}
	if err := tx.remember(path); err != nil {
		return false, err
	}
	return removeFile(path)
}

// rollback restores every journaled path, newest first.
func (tx *Tx) rollback() error {
	var errs []error
	for i := len(tx.journal) - 1; i >= 0; i-- {
		je := tx.journal[i]
		if je.existed {
			if err := writeFileAtomic(je.path, je.prior, je.perm); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", je.path, err))
			}
			continue
		}
		if _, err := removeFile(je.path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", je.path, err))
		}
	}
	if len(tx.journal) > 0 {
		slog.Debug("Rolled back store transaction", "files", len(tx.journal))
	}
	tx.journal = nil
	tx.seen = map[string]bool{}
	return errors.Join(errs...)
}

func (tx *Tx) SaveCSR(subject string, pemData []byte) error {
	return tx.writeFile(tx.store.reqPath(subject), pemData, FilePermPublic)
}

// DeleteCSR removes the pending CSR for subject, reporting whether one existed.
func (tx *Tx) DeleteCSR(subject string) (bool, error) {
	return tx.removeFile(tx.store.reqPath(subject))
}

func (tx *Tx) SaveCert(subject string, pemData []byte) error {
	return tx.writeFile(tx.store.signedPath(subject), pemData, FilePermPublic)
}

// DeleteCert removes the signed certificate for subject, reporting whether
// one existed.
func (tx *Tx) DeleteCert(subject string) (bool, error) {
	return tx.removeFile(tx.store.signedPath(subject))
}

func (tx *Tx) SavePrivateKey(subject string, pemData []byte) error {
	return tx.writeFile(tx.store.PrivateKeyPath(subject), pemData, FilePermPrivate)
}

func (tx *Tx) DeletePrivateKey(subject string) (bool, error) {
	return tx.removeFile(tx.store.PrivateKeyPath(subject))
}

func (tx *Tx) WriteCAKey(pemData []byte) error {
	return tx.writeFile(tx.store.CAKeyPath(), pemData, FilePermPrivate)
}

func (tx *Tx) WriteCACert(pemData []byte) error {
	return tx.writeFile(tx.store.CACertPath(), pemData, FilePermPublic)
}

func (tx *Tx) WriteCAPubKey(pemData []byte) error {
	return tx.writeFile(tx.store.CAPubKeyPath(), pemData, FilePermPublic)
}

func (tx *Tx) WriteCachedCACert(pemData []byte) error {
	return tx.writeFile(tx.store.CachedCACertPath(), pemData, FilePermPublic)
}

func (tx *Tx) UpdateCRL(pemData []byte) error {
	return tx.writeFile(tx.store.CRLPath(), pemData, FilePermPublic)
}
