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

// fleet-ca-ctl is the operator CLI for a fleet CA:
//
//	list, sign, revoke, clean, generate, setup, import
//
// Commands talk to a running server (--server-url), or work on a store
// directory directly when --cadir is given. setup and import are always
// local.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tvaughan/fleet-ca/internal/ca"
	"github.com/tvaughan/fleet-ca/internal/storage"
)

// Exit codes.
const (
	exitOK               = 0
	exitFailure          = 1
	exitIdentityMismatch = 23
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ca.ErrIdentityMismatch):
		return exitIdentityMismatch
	default:
		return exitFailure
	}
}

// cli carries the resolved configuration and the backend factory shared by
// every subcommand.
type cli struct {
	cfg  *ctlConfig
	open func(*ctlConfig) (backend, error)
	out  io.Writer
}

func (c *cli) backend() (backend, error) {
	return c.open(c.cfg)
}

func printTable(w io.Writer, rows [][2]string) {
	width := 0
	for _, r := range rows {
		width = max(width, len(r[0]))
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-*s  %s\n", width, r[0], r[1])
	}
}

func (c *cli) listCmd() *cobra.Command {
	var (
		all     bool
		state   string
		pattern string
	)
	cmd := &cobra.Command{
		Use:   "list [certname...]",
		Short: "List pending requests (or, with --all, every certificate)",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ca.Filter{Subjects: args, Pattern: pattern, State: state}
			if f.State == "" && !all && len(args) == 0 {
				f.State = ca.StateRequested
			}
			b, err := c.backend()
			if err != nil {
				return err
			}
			statuses, err := b.List(f)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			if len(statuses) == 0 {
				fmt.Fprintln(c.out, "(no certificates)")
				return nil
			}
			rows := make([][2]string, len(statuses))
			for i, s := range statuses {
				detail := s.State
				if len(s.DNSAltNames) > 0 {
					detail += " (alt names: " + strings.Join(s.DNSAltNames, ", ") + ")"
				}
				rows[i] = [2]string{s.Name, detail}
			}
			printTable(c.out, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List signed certificates as well as pending requests")
	cmd.Flags().StringVar(&state, "state", "", "Only list entries in this state (requested or signed)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Only list names matching this glob")
	return cmd
}

func (c *cli) signCmd() *cobra.Command {
	var (
		certnames []string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign pending requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(certnames) == 0 {
				return errors.New("sign: --certname or --all is required")
			}
			b, err := c.backend()
			if err != nil {
				return err
			}
			var res ca.SignResult
			if all {
				res, err = b.SignAll()
			} else {
				res, err = b.Sign(certnames)
			}
			if err != nil {
				return fmt.Errorf("sign: %w", err)
			}
			if len(res.Signed) == 0 {
				fmt.Fprintln(c.out, "Signed: (none)")
			} else {
				fmt.Fprintf(c.out, "Signed: %s\n", strings.Join(res.Signed, ", "))
			}
			if len(res.NoCSR) > 0 {
				fmt.Fprintf(c.out, "No pending request: %s\n", strings.Join(res.NoCSR, ", "))
			}
			if len(res.SigningErrors) > 0 {
				return fmt.Errorf("sign: failed for %s", strings.Join(res.SigningErrors, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&certnames, "certname", nil, "Subject name(s) to sign")
	cmd.Flags().BoolVar(&all, "all", false, "Sign all pending requests")
	return cmd
}

func (c *cli) revokeCmd() *cobra.Command {
	var certnames []string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke signed certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(certnames) == 0 {
				return errors.New("revoke: --certname is required")
			}
			b, err := c.backend()
			if err != nil {
				return err
			}
			for _, name := range certnames {
				if err := b.Revoke(name); err != nil {
					return fmt.Errorf("revoke %s: %w", name, err)
				}
				fmt.Fprintf(c.out, "Revoked %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&certnames, "certname", nil, "Subject name(s) to revoke")
	return cmd
}

func (c *cli) cleanCmd() *cobra.Command {
	var certnames []string
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Revoke and remove certificates, requests and cached keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(certnames) == 0 {
				return errors.New("clean: --certname is required")
			}
			b, err := c.backend()
			if err != nil {
				return err
			}
			for _, name := range certnames {
				report, err := b.Clean(name)
				if err != nil {
					return fmt.Errorf("clean %s: %w", name, err)
				}
				if !report.Removed() {
					fmt.Fprintf(c.out, "Nothing to clean for %s\n", name)
					continue
				}
				fmt.Fprintf(c.out, "Cleaned %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&certnames, "certname", nil, "Subject name(s) to clean")
	return cmd
}

func (c *cli) generateCmd() *cobra.Command {
	var (
		certname string
		outDir   string
		dns      string
		autosign bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a key and signed certificate on the CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			if certname == "" {
				return errors.New("generate: --certname is required")
			}
			b, err := c.backend()
			if err != nil {
				return err
			}
			res, err := b.Generate(ca.GenerateRequest{
				Subject:     certname,
				Autosign:    autosign,
				DNSAltNames: ca.ParseDNSAltNames(dns),
			})
			if err != nil {
				return fmt.Errorf("generate: %w", err)
			}

			keyPath := filepath.Join(outDir, certname+"_key.pem")
			if err := os.WriteFile(keyPath, res.PrivateKeyPEM, storage.FilePermPrivate); err != nil {
				return fmt.Errorf("generate: failed to save private key to %s: %w", keyPath, err)
			}
			fmt.Fprintf(os.Stderr, "Private key saved to %s (serial %d)\n", keyPath, res.Serial)
			_, err = c.out.Write(res.CertificatePEM)
			return err
		},
	}
	cmd.Flags().StringVar(&certname, "certname", "", "Subject name to generate")
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "Directory to save the private key file")
	cmd.Flags().StringVar(&dns, "dns", "", "Comma-separated DNS alt names")
	cmd.Flags().BoolVar(&autosign, "autosign", false, "Request autosigning (generate always signs)")
	return cmd
}

func (c *cli) setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initialise a new CA in --cadir (offline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.CADir == "" {
				return errors.New("setup: --cadir is required")
			}
			l, err := openLocal(c.cfg.CADir, c.cfg.Hostname, true)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			fmt.Fprintf(c.out, "CA initialized in %s (CN: %s)\n", l.Storage.CADir(), l.CACert.Subject.CommonName)
			return nil
		},
	}
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	var (
		certBundle string
		privateKey string
		crlChain   string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an external CA cert/key into --cadir (offline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.CADir == "" {
				return errors.New("import: --cadir is required")
			}
			if certBundle == "" || privateKey == "" {
				return errors.New("import: --cert-bundle and --private-key are required")
			}
			absDir, err := filepath.Abs(c.cfg.CADir)
			if err != nil {
				return fmt.Errorf("import: invalid --cadir: %w", err)
			}
			certPEM, err := os.ReadFile(certBundle)
			if err != nil {
				return fmt.Errorf("import: reading --cert-bundle: %w", err)
			}
			keyPEM, err := os.ReadFile(privateKey)
			if err != nil {
				return fmt.Errorf("import: reading --private-key: %w", err)
			}
			var crlPEM []byte
			if crlChain != "" {
				if crlPEM, err = os.ReadFile(crlChain); err != nil {
					return fmt.Errorf("import: reading --crl-chain: %w", err)
				}
			}
			if err := ca.ImportCA(storage.New(absDir), certPEM, keyPEM, crlPEM); err != nil {
				return fmt.Errorf("import: %w", err)
			}
			fmt.Fprintf(c.out, "CA imported into %s\n", absDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&certBundle, "cert-bundle", "", "Path to CA certificate PEM")
	cmd.Flags().StringVar(&privateKey, "private-key", "", "Path to CA private key PEM")
	cmd.Flags().StringVar(&crlChain, "crl-chain", "", "Path to CRL PEM (optional; one is generated if absent)")
	return cmd
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{open: newBackend, out: out}

	var (
		configFile string
		flagCfg    ctlConfig
	)

	root := &cobra.Command{
		Use:           "fleet-ca-ctl",
		Short:         "Operator CLI for the fleet CA",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			resolved := resolveConfigFile(configFile, envPrefix+"CONFIG", "/etc/fleet-ca/ctl.yaml")
			cfg, err := loadCtlConfig(resolved)
			if err != nil {
				return err
			}

			fl := cmd.Flags()
			if fl.Changed("server-url") {
				cfg.ServerURL = flagCfg.ServerURL
			}
			if fl.Changed("ca-cert") {
				cfg.CACert = flagCfg.CACert
			}
			if fl.Changed("client-cert") {
				cfg.ClientCert = flagCfg.ClientCert
			}
			if fl.Changed("client-key") {
				cfg.ClientKey = flagCfg.ClientKey
			}
			if fl.Changed("cadir") {
				cfg.CADir = flagCfg.CADir
			}
			if fl.Changed("hostname") {
				cfg.Hostname = flagCfg.Hostname
			}
			if fl.Changed("authority") {
				cfg.Authority = flagCfg.Authority
			}
			if fl.Changed("verbose") {
				cfg.Verbose = flagCfg.Verbose
			}

			if cfg.Verbose {
				slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			c.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to YAML config file (default: /etc/fleet-ca/ctl.yaml if it exists)")
	pf.StringVar(&flagCfg.ServerURL, "server-url", "https://localhost:8140", "fleet-ca server URL")
	pf.StringVar(&flagCfg.CACert, "ca-cert", "", "Path to CA cert PEM for TLS verification (omit to skip verify)")
	pf.StringVar(&flagCfg.ClientCert, "client-cert", "", "Path to client certificate PEM for mTLS")
	pf.StringVar(&flagCfg.ClientKey, "client-key", "", "Path to client private key PEM for mTLS")
	pf.StringVar(&flagCfg.CADir, "cadir", "", "Work on this store directory instead of a server")
	pf.StringVar(&flagCfg.Hostname, "hostname", "", "Hostname for the CA certificate CN (setup)")
	pf.BoolVar(&flagCfg.Authority, "authority", true, "Allow local mode to bootstrap a CA in an empty --cadir")
	pf.BoolVar(&flagCfg.Verbose, "verbose", false, "Enable verbose logging")

	root.AddCommand(
		c.listCmd(),
		c.signCmd(),
		c.revokeCmd(),
		c.cleanCmd(),
		c.generateCmd(),
		c.setupCmd(),
		c.importCmd(),
	)
	return root
}

func main() {
	err := newRootCmd(os.Stdout).Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
