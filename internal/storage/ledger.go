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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

// ErrLockUnavailable is returned when the exclusive store lock cannot be
// acquired within LockTimeout, or the lock file cannot be opened at all.
var ErrLockUnavailable = errors.New("certificate store lock unavailable")

// ErrNoEntry is returned when the ledger has no entry for a serial.
var ErrNoEntry = errors.New("no ledger entry for serial")

// Ledger entry states.
const (
	StatusSigned  = "signed"
	StatusRevoked = "revoked"
)

var (
	bucketMeta  = []byte("meta")
	bucketCerts = []byte("certs")

	keySerial    = []byte("next_serial")
	keyCRLNumber = []byte("crl_number")
)

// Entry is the ledger record for one issued certificate.
type Entry struct {
	Serial    uint64     `json:"serial"`
	Subject   string     `json:"subject"`
	NotBefore time.Time  `json:"not_before"`
	NotAfter  time.Time  `json:"not_after"`
	DNSNames  []string   `json:"dns_alt_names,omitempty"`
	Status    string     `json:"status"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// rootLocks serialises Update callers within this process, keyed by absolute
// store root. The bbolt file lock then excludes other processes.
var rootLocks sync.Map // map[string]chan struct{}

func (s *StorageService) acquire() (func(), error) {
	v, _ := rootLocks.LoadOrStore(s.root, make(chan struct{}, 1))
	sem := v.(chan struct{})

	timer := time.NewTimer(s.LockTimeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s: held by another caller in this process", ErrLockUnavailable, s.root)
	}
}

func (s *StorageService) openLedger(readOnly bool) (*bbolt.DB, error) {
	db, err := bbolt.Open(s.LedgerPath(), FilePermPrivate, &bbolt.Options{
		Timeout:  s.LockTimeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		if errors.Is(err, bolterrors.ErrTimeout) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, s.LedgerPath(), err)
		}
		return nil, fmt.Errorf("open ledger %s: %w", s.LedgerPath(), err)
	}
	return db, nil
}

// Update runs fn as one exclusive, all-or-nothing transaction against the
// store. If fn or the ledger commit fails, every file written or removed
// through the Tx is restored to its prior state.
func (s *StorageService) Update(fn func(*Tx) error) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := s.EnsureDirs(); err != nil {
		return err
	}

	db, err := s.openLedger(false)
	if err != nil {
		return err
	}
	defer db.Close()

	tx := newTx(s)
	err = db.Update(func(btx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketCerts} {
			if _, err := btx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		tx.btx = btx
		return fn(tx)
	})
	tx.btx = nil
	if err != nil {
		if rbErr := tx.rollback(); rbErr != nil {
			slog.Error("Failed to roll back store transaction", "dir", s.baseDir, "error", rbErr)
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

// View runs fn against a read-only snapshot of the ledger. File mutations
// through the Tx are refused. A store that has never been written yields an
// empty ledger.
func (s *StorageService) View(fn func(*Tx) error) error {
	tx := newTx(s)
	tx.readOnly = true

	if !exists(s.LedgerPath()) {
		return fn(tx)
	}

	db, err := s.openLedger(true)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(btx *bbolt.Tx) error {
		tx.btx = btx
		defer func() { tx.btx = nil }()
		return fn(tx)
	})
}

// Entries returns every ledger entry ordered by serial.
func (s *StorageService) Entries() ([]Entry, error) {
	var out []Entry
	err := s.View(func(tx *Tx) error {
		var err error
		out, err = tx.Entries()
		return err
	})
	return out, err
}

// --- Ledger operations on a Tx ---

func (tx *Tx) bucket(name []byte) *bbolt.Bucket {
	if tx.btx == nil {
		return nil
	}
	return tx.btx.Bucket(name)
}

func (tx *Tx) writableBucket(name []byte) (*bbolt.Bucket, error) {
	if tx.readOnly {
		return nil, errReadOnly
	}
	b := tx.bucket(name)
	if b == nil {
		return nil, fmt.Errorf("ledger bucket %q missing", name)
	}
	return b, nil
}

func serialKey(serial uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, serial)
	return k
}

func getCounter(b *bbolt.Bucket, key []byte) uint64 {
	if b == nil {
		return 0
	}
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// NextSerial allocates the next certificate serial. Serials start at 1 and
// never repeat.
func (tx *Tx) NextSerial() (uint64, error) {
	b, err := tx.writableBucket(bucketMeta)
	if err != nil {
		return 0, err
	}
	next := getCounter(b, keySerial)
	if next == 0 {
		next = 1
	}
	if err := b.Put(keySerial, serialKey(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

// PeekSerial returns the serial NextSerial would allocate, without consuming it.
func (tx *Tx) PeekSerial() uint64 {
	next := getCounter(tx.bucket(bucketMeta), keySerial)
	if next == 0 {
		return 1
	}
	return next
}

// ReserveSerial makes sure serial is never handed out by NextSerial. Used
// when importing certificates issued elsewhere.
func (tx *Tx) ReserveSerial(serial uint64) error {
	b, err := tx.writableBucket(bucketMeta)
	if err != nil {
		return err
	}
	if getCounter(b, keySerial) > serial {
		return nil
	}
	return b.Put(keySerial, serialKey(serial+1))
}

// NextCRLNumber allocates the next CRL number.
func (tx *Tx) NextCRLNumber() (uint64, error) {
	b, err := tx.writableBucket(bucketMeta)
	if err != nil {
		return 0, err
	}
	next := getCounter(b, keyCRLNumber) + 1
	if err := b.Put(keyCRLNumber, serialKey(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// ReserveCRLNumber makes sure the next CRL number is above n.
func (tx *Tx) ReserveCRLNumber(n uint64) error {
	b, err := tx.writableBucket(bucketMeta)
	if err != nil {
		return err
	}
	if getCounter(b, keyCRLNumber) >= n {
		return nil
	}
	return b.Put(keyCRLNumber, serialKey(n))
}

// Record stores e, replacing any entry with the same serial.
func (tx *Tx) Record(e Entry) error {
	b, err := tx.writableBucket(bucketCerts)
	if err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = StatusSigned
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put(serialKey(e.Serial), data)
}

// Entry looks up the ledger entry for serial.
func (tx *Tx) Entry(serial uint64) (Entry, error) {
	var e Entry
	b := tx.bucket(bucketCerts)
	if b == nil {
		return e, fmt.Errorf("%w: %d", ErrNoEntry, serial)
	}
	data := b.Get(serialKey(serial))
	if data == nil {
		return e, fmt.Errorf("%w: %d", ErrNoEntry, serial)
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode ledger entry %d: %w", serial, err)
	}
	return e, nil
}

// MarkRevoked flips the entry for serial to revoked. Revoking an already
// revoked entry keeps the original revocation time.
func (tx *Tx) MarkRevoked(serial uint64, at time.Time) (Entry, error) {
	e, err := tx.Entry(serial)
	if err != nil {
		return e, err
	}
	if e.Status == StatusRevoked {
		return e, nil
	}
	at = at.UTC()
	e.Status = StatusRevoked
	e.RevokedAt = &at
	return e, tx.Record(e)
}

// Entries returns every ledger entry ordered by serial.
func (tx *Tx) Entries() ([]Entry, error) {
	out := []Entry{}
	b := tx.bucket(bucketCerts)
	if b == nil {
		return out, nil
	}
	err := b.ForEach(func(_, v []byte) error {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

// RevokedEntries returns only the revoked entries, ordered by serial.
func (tx *Tx) RevokedEntries() ([]Entry, error) {
	all, err := tx.Entries()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Status == StatusRevoked {
			out = append(out, e)
		}
	}
	return out, nil
}
