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

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v3"
)

const envPrefix = "FLEET_CA_CTL_"

// ctlConfig holds all configuration for fleet-ca-ctl.
// Fields are populated from (lowest → highest priority):
//
//	built-in defaults → config file → env vars → CLI flags
//
// A non-empty CADir selects local mode: commands operate on the store
// directly instead of calling the server. Authority lets local mode
// bootstrap a CA in an empty CADir.
type ctlConfig struct {
	ServerURL  string `yaml:"server_url" env:"SERVER_URL"`
	CACert     string `yaml:"ca_cert" env:"CA_CERT"`
	ClientCert string `yaml:"client_cert" env:"CLIENT_CERT"`
	ClientKey  string `yaml:"client_key" env:"CLIENT_KEY"`
	CADir      string `yaml:"cadir" env:"CADIR"`
	Hostname   string `yaml:"hostname" env:"HOSTNAME"`
	Authority  bool   `yaml:"authority" env:"AUTHORITY"`
	Verbose    bool   `yaml:"verbose" env:"VERBOSE"`
}

// loadCtlConfig applies built-in defaults, optionally loads a YAML config
// file, then overlays environment variables. configFile may be "" to skip file
// loading.
func loadCtlConfig(configFile string) (*ctlConfig, error) {
	cfg := &ctlConfig{
		ServerURL: "https://localhost:8140",
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
