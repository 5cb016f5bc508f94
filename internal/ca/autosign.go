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
	"bufio"
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"strings"
)

// Autosign modes.
const (
	AutosignOff        = "off"
	AutosignTrue       = "true"
	AutosignFile       = "file"
	AutosignExecutable = "executable"
)

// AutosignConfig decides whether CSRs submitted by remote nodes are signed
// without an operator. It is never consulted by Generate.
type AutosignConfig struct {
	Mode       string // AutosignOff (or ""), AutosignTrue, AutosignFile, AutosignExecutable
	FileOrPath string // path to the pattern file or policy executable
}

// Validate rejects unknown modes and missing paths.
func (cfg AutosignConfig) Validate() error {
	switch cfg.Mode {
	case "", AutosignOff, "false", AutosignTrue:
		return nil
	case AutosignFile, AutosignExecutable:
		if cfg.FileOrPath == "" {
			return fmt.Errorf("autosign mode %q needs a path", cfg.Mode)
		}
		return nil
	default:
		return fmt.Errorf("unknown autosign mode %q", cfg.Mode)
	}
}

// CheckAutosign evaluates the policy for csr.
//   - off: never.
//   - true: always.
//   - file: the first glob line matching the CN wins; no match or a missing
//     file means no.
//   - executable: the program gets the CN as its argument and the CSR PEM on
//     stdin; exit 0 means yes.
func CheckAutosign(cfg AutosignConfig, csr *x509.CertificateRequest, csrPEM []byte) (bool, error) {
	switch cfg.Mode {
	case AutosignTrue:
		return true, nil
	case AutosignFile:
		return checkAutosignFile(cfg.FileOrPath, csr.Subject.CommonName)
	case AutosignExecutable:
		return checkAutosignExecutable(cfg.FileOrPath, csr.Subject.CommonName, csrPEM)
	default:
		return false, nil
	}
}

// MatchAutosignPatterns applies an ordered glob list to name. Globs are
// case-sensitive and "*" matches any run of characters.
func MatchAutosignPatterns(patterns []string, name string) bool {
	for _, p := range patterns {
		matched, err := path.Match(p, name)
		if err != nil {
			slog.Warn("Ignoring malformed autosign pattern", "pattern", p, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// readAutosignPatterns returns the non-blank, non-comment lines of file.
func readAutosignPatterns(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && line[0] != '#' {
			patterns = append(patterns, line)
		}
	}
	return patterns, sc.Err()
}

func checkAutosignFile(file, commonName string) (bool, error) {
	patterns, err := readAutosignPatterns(file)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("reading autosign file %s: %w", file, err)
	}
	return MatchAutosignPatterns(patterns, commonName), nil
}

func checkAutosignExecutable(file, commonName string, csrPEM []byte) (bool, error) {
	cmd := exec.Command(file, commonName)
	cmd.Env = os.Environ()
	cmd.Stdin = bytes.NewReader(csrPEM)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			slog.Debug("Autosign policy declined", "subject", commonName, "exit_code", exitErr.ExitCode())
			return false, nil
		}
		return false, err
	}
	return true, nil
}
