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
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tvaughan/fleet-ca/internal/api"
	"github.com/tvaughan/fleet-ca/internal/authz"
	"github.com/tvaughan/fleet-ca/internal/ca"
	"github.com/tvaughan/fleet-ca/internal/storage"
)

// exitIdentityMismatch is returned when the store holds a CA certificate
// whose key this node does not have.
const exitIdentityMismatch = 23

// isLoopback reports whether host is a loopback address (127.x.x.x, ::1, or
// "localhost"). Plain HTTP is only safe when the server cannot be reached from
// outside the local process.
func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

func logLevel(verbosity int) slog.Level {
	switch verbosity {
	case 0:
		return slog.LevelInfo
	case 1:
		return slog.LevelDebug
	default:
		return slog.Level(-8) // Trace
	}
}

func setupLogging(cfg *serverConfig) error {
	opts := &slog.HandlerOptions{Level: logLevel(cfg.Verbosity)}
	var h slog.Handler
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.LogFile, err)
		}
		h = slog.NewJSONHandler(f, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func logRules(engine *authz.Engine) {
	for _, ns := range engine.Namespaces() {
		for _, r := range engine.Rules(ns) {
			slog.Debug("Authorization rule", "namespace", ns, "rule", r.String())
		}
	}
}

// reloadRules re-reads the rule file on SIGHUP. A file that fails to parse
// leaves the active rules untouched.
func reloadRules(ctx context.Context, path string, engine *authz.Engine) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next, err := authz.ParseFile(path)
			if err != nil {
				slog.Error("Keeping previous authorization rules", "path", path, "error", err)
				continue
			}
			engine.Replace(next)
			slog.Info("Reloaded authorization rules", "path", path, "namespaces", len(engine.Namespaces()))
			logRules(engine)
		}
	}
}

func serve(cfg *serverConfig) error {
	absCADir, err := filepath.Abs(cfg.CADir)
	if err != nil {
		return fmt.Errorf("resolving --cadir: %w", err)
	}

	slog.Info("Starting fleet CA",
		"cadir", absCADir,
		"host", cfg.Host,
		"port", cfg.Port,
		"authority", cfg.Authority,
		"verbosity", cfg.Verbosity,
	)

	// Plain HTTP over a non-loopback interface lets any on-path host
	// inject forged certificates.
	tlsConfigured := cfg.TLSCert != "" && cfg.TLSKey != ""
	if !tlsConfigured {
		if !isLoopback(cfg.Host) && !cfg.NoTLSRequired {
			return errors.New("refusing to start: plain HTTP on a non-loopback address is " +
				"vulnerable to certificate injection attacks; " +
				"enable TLS (--tls-cert / --tls-key), " +
				"restrict to loopback (--host 127.0.0.1), " +
				"or explicitly opt out with --no-tls-required")
		}
		if cfg.NoTLSRequired && !isLoopback(cfg.Host) {
			slog.Warn("TLS is not configured on a non-loopback address; " +
				"certificate injection is possible. " +
				"Only use --no-tls-required behind a trusted TLS proxy or in test environments.")
		}
	}

	caCfg, err := cfg.caConfig()
	if err != nil {
		return err
	}
	slog.Debug("Autosign config", "mode", caCfg.Autosign.Mode, "path", caCfg.Autosign.FileOrPath)

	myCA := ca.New(storage.New(absCADir), caCfg)
	if err := myCA.Init(); err != nil {
		return fmt.Errorf("failed to initialise CA: %w", err)
	}

	srv := api.New(myCA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without TLS there is no client identity to check, so rules are only
	// enforced when TLS is on or a rule file is named explicitly.
	if tlsConfigured || cfg.AuthRules != "" {
		engine, err := cfg.rules()
		if err != nil {
			return fmt.Errorf("loading authorization rules: %w", err)
		}
		srv.Authz = engine
		if cfg.AuthRules != "" {
			go reloadRules(ctx, cfg.AuthRules, engine)
		}
		slog.Info("Authorization enabled", "rules", cfg.AuthRules, "namespaces", engine.Namespaces())
		logRules(engine)
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if tlsConfigured {
		serverCert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS cert/key %s, %s: %w", cfg.TLSCert, cfg.TLSKey, err)
		}
		pool := x509.NewCertPool()
		pool.AddCert(myCA.CACert)
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientCAs:    pool,
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening", "address", addr, "tls", tlsConfigured)
		if tlsConfigured {
			errCh <- server.ListenAndServeTLS("", "")
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newRootCmd() *cobra.Command {
	var (
		caDir         string
		autosignVal   string
		host          string
		port          int
		hostname      string
		authority     bool
		daemon        bool
		verbosity     int
		logFile       string
		tlsCert       string
		tlsKey        string
		adminCNs      string
		authRules     string
		noTLSRequired bool
		ocspURL       string
		configFile    string
	)

	cmd := &cobra.Command{
		Use:          "fleet-ca",
		Short:        "Fleet certificate authority server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved := resolveConfigFile(configFile, envPrefix+"CONFIG", "/etc/fleet-ca/config.yaml")
			cfg, err := loadServerConfig(resolved)
			if err != nil {
				return err
			}

			// Explicitly-set CLI flags have the last word.
			fl := cmd.Flags()
			if fl.Changed("cadir") {
				cfg.CADir = caDir
			}
			if fl.Changed("autosign-config") {
				cfg.AutosignConfig = autosignVal
			}
			if fl.Changed("host") {
				cfg.Host = host
			}
			if fl.Changed("port") {
				cfg.Port = port
			}
			if fl.Changed("hostname") {
				cfg.Hostname = hostname
			}
			if fl.Changed("authority") {
				cfg.Authority = authority
			}
			if fl.Changed("verbosity") {
				cfg.Verbosity = verbosity
			}
			if fl.Changed("logfile") {
				cfg.LogFile = logFile
			}
			if fl.Changed("tls-cert") {
				cfg.TLSCert = tlsCert
			}
			if fl.Changed("tls-key") {
				cfg.TLSKey = tlsKey
			}
			if fl.Changed("admin-cns") {
				cfg.AdminCNs = adminCNs
			}
			if fl.Changed("auth-rules") {
				cfg.AuthRules = authRules
			}
			if fl.Changed("no-tls-required") {
				cfg.NoTLSRequired = noTLSRequired
			}
			if fl.Changed("ocsp-url") {
				cfg.OCSPUrl = ocspURL
			}

			if cfg.CADir == "" {
				return fmt.Errorf("--cadir is required (or set %sCADIR / cadir in config file)", envPrefix)
			}

			// --daemon is deliberately flag-only: FLEET_CA_DAEMON marks the
			// forked child.
			if daemon && os.Getenv(envPrefix+"DAEMON") != "1" {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("failed to determine executable: %w", err)
				}
				c := exec.Command(exe, os.Args[1:]...)
				c.Env = append(os.Environ(), envPrefix+"DAEMON=1")
				if err := c.Start(); err != nil {
					return fmt.Errorf("failed to start daemon: %w", err)
				}
				fmt.Printf("Fleet CA started in background (PID: %d)\n", c.Process.Pid)
				return nil
			}

			if err := setupLogging(cfg); err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "Path to YAML config file (default: /etc/fleet-ca/config.yaml if it exists)")
	f.StringVar(&caDir, "cadir", "", "Directory for CA storage (or set FLEET_CA_CADIR)")
	f.StringVar(&autosignVal, "autosign-config", "", "Autosign configuration: 'true', 'false', or path to file/executable")
	f.StringVar(&host, "host", "0.0.0.0", "Address to listen on")
	f.IntVar(&port, "port", 8140, "Port to listen on")
	f.StringVar(&hostname, "hostname", "", "Hostname for the CA certificate CN (default fleet-ca)")
	f.BoolVar(&authority, "authority", true, "This node may bootstrap a new CA when the store is empty")
	f.BoolVar(&daemon, "daemon", false, "Run in background as a daemon (not recommended in containers)")
	f.IntVarP(&verbosity, "verbosity", "v", 0, "Verbosity: 0=Info 1=Debug 2=Trace")
	f.StringVar(&logFile, "logfile", "", "Log JSON to file instead of text to stderr")
	f.StringVar(&tlsCert, "tls-cert", "", "Path to TLS server certificate PEM (enables HTTPS)")
	f.StringVar(&tlsKey, "tls-key", "", "Path to TLS server private key PEM (enables HTTPS)")
	f.StringVar(&adminCNs, "admin-cns", "", "Comma-separated client certificate CNs allowed every cert operation (ignored with --auth-rules)")
	f.StringVar(&authRules, "auth-rules", "", "Path to an authorization rule file; re-read on SIGHUP")
	f.BoolVar(&noTLSRequired, "no-tls-required", false, "Allow plain HTTP on non-loopback addresses (use only behind a trusted TLS proxy or in test environments)")
	f.StringVar(&ocspURL, "ocsp-url", "", "OCSP responder URL to embed in issued certificates (e.g. http://fleet-ca:8140/ocsp)")

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fleet-ca failed", "error", err)
		if errors.Is(err, ca.ErrIdentityMismatch) {
			os.Exit(exitIdentityMismatch)
		}
		os.Exit(1)
	}
}
