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

package main

import (
	"fmt"
	"path/filepath"

	"github.com/tvaughan/fleet-ca/internal/ca"
	"github.com/tvaughan/fleet-ca/internal/storage"
)

// backend is what the subcommands need from a CA, local or remote.
type backend interface {
	List(f ca.Filter) ([]ca.Status, error)
	Sign(subjects []string) (ca.SignResult, error)
	SignAll() (ca.SignResult, error)
	Revoke(subject string) error
	Clean(subject string) (ca.CleanReport, error)
	Generate(req ca.GenerateRequest) (*ca.GenerateResult, error)
}

// local operates on a store directory on this host.
type local struct {
	*ca.CA
}

// openLocal initialises the CA over dir. An empty store is bootstrapped
// only when authority is set.
func openLocal(dir, hostname string, authority bool) (*local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid --cadir: %w", err)
	}
	c := ca.New(storage.New(abs), ca.Config{
		Identity: ca.Identity{Hostname: hostname, Authority: authority},
		Autosign: ca.AutosignConfig{Mode: ca.AutosignOff},
	})
	if err := c.Init(); err != nil {
		return nil, err
	}
	return &local{CA: c}, nil
}

func (l *local) Sign(subjects []string) (ca.SignResult, error) {
	return l.SignMultiple(subjects), nil
}

func newBackend(cfg *ctlConfig) (backend, error) {
	if cfg.CADir != "" {
		return openLocal(cfg.CADir, cfg.Hostname, cfg.Authority)
	}
	return newRemote(cfg)
}
