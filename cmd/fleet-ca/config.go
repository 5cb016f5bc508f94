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
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v3"

	"github.com/tvaughan/fleet-ca/internal/authz"
	"github.com/tvaughan/fleet-ca/internal/ca"
)

const envPrefix = "FLEET_CA_"

// serverConfig holds all configuration for the fleet-ca server.
// Fields are populated from (lowest → highest priority):
//
//	built-in defaults → config file → env vars → CLI flags
type serverConfig struct {
	CADir          string `yaml:"cadir" env:"CADIR"`
	AutosignConfig string `yaml:"autosign_config" env:"AUTOSIGN_CONFIG"`
	Host           string `yaml:"host" env:"HOST"`
	Port           int    `yaml:"port" env:"PORT"`
	Hostname       string `yaml:"hostname" env:"HOSTNAME"`
	Authority      bool   `yaml:"authority" env:"AUTHORITY"`
	Verbosity      int    `yaml:"verbosity" env:"VERBOSITY"`
	LogFile        string `yaml:"logfile" env:"LOGFILE"`
	TLSCert        string `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey         string `yaml:"tls_key" env:"TLS_KEY"`
	AdminCNs       string `yaml:"admin_cns" env:"ADMIN_CNS"`
	AuthRules      string `yaml:"auth_rules" env:"AUTH_RULES"`
	NoTLSRequired  bool   `yaml:"no_tls_required" env:"NO_TLS_REQUIRED"`
	OCSPUrl        string `yaml:"ocsp_url" env:"OCSP_URL"`
}

// loadServerConfig applies built-in defaults, optionally loads a YAML config
// file, then overlays environment variables. configFile may be "" to skip file
// loading.
func loadServerConfig(configFile string) (*serverConfig, error) {
	cfg := &serverConfig{
		Host:      "0.0.0.0",
		Port:      8140,
		Authority: true,
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("reading %s* environment: %w", envPrefix, err)
	}
	return cfg, nil
}

// resolveConfigFile returns the config file path to use:
// cliFlag → envVar → defaultPath (if it exists) → "".
func resolveConfigFile(cliFlag, envVar, defaultPath string) string {
	if cliFlag != "" {
		return cliFlag
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}
	return ""
}

// adminCNs splits the comma-separated admin_cns value.
func (c *serverConfig) adminCNs() []string {
	var out []string
	for _, cn := range strings.Split(c.AdminCNs, ",") {
		if cn = strings.TrimSpace(cn); cn != "" {
			out = append(out, cn)
		}
	}
	return out
}

// autosign turns the autosign_config value into a policy: "true", "false"
// (or empty), or the path of a glob file or an executable policy program.
func (c *serverConfig) autosign() (ca.AutosignConfig, error) {
	switch c.AutosignConfig {
	case "", "false":
		return ca.AutosignConfig{Mode: ca.AutosignOff}, nil
	case "true":
		return ca.AutosignConfig{Mode: ca.AutosignTrue}, nil
	}
	info, err := os.Stat(c.AutosignConfig)
	if err != nil {
		return ca.AutosignConfig{}, fmt.Errorf("autosign config %s: %w", c.AutosignConfig, err)
	}
	if !info.Mode().IsRegular() {
		return ca.AutosignConfig{}, fmt.Errorf("autosign config %s is not a regular file", c.AutosignConfig)
	}
	mode := ca.AutosignFile
	if info.Mode().Perm()&0111 != 0 {
		mode = ca.AutosignExecutable
	}
	return ca.AutosignConfig{Mode: mode, FileOrPath: c.AutosignConfig}, nil
}

// caConfig assembles the CA settings carried by the server configuration.
func (c *serverConfig) caConfig() (ca.Config, error) {
	as, err := c.autosign()
	if err != nil {
		return ca.Config{}, err
	}
	if err := as.Validate(); err != nil {
		return ca.Config{}, err
	}
	cfg := ca.Config{
		Identity: ca.Identity{Hostname: c.Hostname, Authority: c.Authority},
		Autosign: as,
	}
	if c.OCSPUrl != "" {
		cfg.OCSPURLs = []string{c.OCSPUrl}
	}
	return cfg, nil
}

// rules loads the authorization rule file, or falls back to the built-in
// rules granting the admin CNs and loopback callers every cert operation.
func (c *serverConfig) rules() (*authz.Engine, error) {
	if c.AuthRules == "" {
		return authz.DefaultRules(c.adminCNs()), nil
	}
	return authz.ParseFile(c.AuthRules)
}
