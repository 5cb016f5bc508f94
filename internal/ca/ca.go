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

// Package ca implements the local certificate authority: bootstrap of the
// root identity, the CSR lifecycle (submit, autosign, sign, generate, clean,
// revoke), listing and OCSP.
package ca

import (
	"crypto/rsa"
	"crypto/x509"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tvaughan/fleet-ca/internal/metrics"
	"github.com/tvaughan/fleet-ca/internal/storage"
)

const (
	// DefaultCAKeyBits is the size of a bootstrapped CA key.
	DefaultCAKeyBits = 4096
	// DefaultLeafKeyBits is the size of keys created by Generate.
	DefaultLeafKeyBits = 2048
	// DefaultHostname names the CA when Identity.Hostname is empty.
	DefaultHostname = "fleet-ca"
)

// Identity describes the node operating on the store. Only an authority may
// bootstrap a new root; any other node can only use a root whose private key
// it already holds.
type Identity struct {
	Hostname  string
	Authority bool
}

// Config carries everything the CA needs to know about its environment.
// There are no package-level settings.
type Config struct {
	Identity Identity
	Autosign AutosignConfig
	// OCSPURLs, when non-empty, causes newly issued certs to embed an AIA
	// extension pointing at the OCSP responder.
	OCSPURLs []string
	// CAKeyBits and LeafKeyBits default to DefaultCAKeyBits and
	// DefaultLeafKeyBits when zero.
	CAKeyBits   int
	LeafKeyBits int
}

func (c Config) hostname() string {
	if c.Identity.Hostname == "" {
		return DefaultHostname
	}
	return c.Identity.Hostname
}

func (c Config) caKeyBits() int {
	if c.CAKeyBits <= 0 {
		return DefaultCAKeyBits
	}
	return c.CAKeyBits
}

func (c Config) leafKeyBits() int {
	if c.LeafKeyBits <= 0 {
		return DefaultLeafKeyBits
	}
	return c.LeafKeyBits
}

// State is the bootstrap state of a CA value.
type State int

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateReady
	StateBootstrapFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateBootstrapFailed:
		return "bootstrap-failed"
	default:
		return "unknown"
	}
}

type CA struct {
	Storage *storage.StorageService
	Config  Config

	// CACert and CAKey are set once Init succeeds and never change after.
	CACert *x509.Certificate
	CAKey  *rsa.PrivateKey

	// state is published outside mu so health checks never wait on a bootstrap.
	state   atomic.Int32
	initErr error
	mu      sync.Mutex // serialises Init; guards initErr, CACert and CAKey

	ocspMu    sync.RWMutex
	ocspCache map[uint64]ocspCacheEntry
}

func New(s *storage.StorageService, cfg Config) *CA {
	return &CA{
		Storage:   s,
		Config:    cfg,
		ocspCache: make(map[uint64]ocspCacheEntry),
	}
}

// State reports where the CA is in its bootstrap lifecycle.
func (c *CA) State() State {
	return State(c.state.Load())
}

// IsReady reports whether the CA has been fully initialized and can serve requests.
func (c *CA) IsReady() bool {
	return c.State() == StateReady
}

// Init loads or bootstraps the CA identity. It runs at most once per CA
// value: later calls return the first outcome, so a failed bootstrap stays
// failed.
func (c *CA) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateReady:
		return nil
	case StateBootstrapFailed:
		return c.initErr
	}

	c.state.Store(int32(StateBootstrapping))
	if err := c.bootstrap(); err != nil {
		c.CACert, c.CAKey = nil, nil
		c.initErr = err
		c.state.Store(int32(StateBootstrapFailed))
		metrics.RecordBootstrap("failed")
		slog.Error("CA initialization failed", "cadir", c.Storage.CADir(), "error", err)
		return err
	}
	c.state.Store(int32(StateReady))
	metrics.RecordBootstrap("ready")
	return nil
}

// ensureReady is called by every operation that needs the CA key.
func (c *CA) ensureReady() error {
	return c.Init()
}
