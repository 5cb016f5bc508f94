//go:build mage

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
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"

	"github.com/caarlos0/env/v11"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	daemon "github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// ── Namespaces ────────────────────────────────────────────────────────────────

type Build mg.Namespace // build:all  build:fips
type Test mg.Namespace  // test:unit  test:race  test:cover  test:smoke
type Dev mg.Namespace   // dev:check  dev:tidy    dev:clean  dev:container

var binaries = []string{"fleet-ca", "fleet-ca-ctl"}

// ── Helpers ───────────────────────────────────────────────────────────────────

func ensureBinDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	binDir := filepath.Join(dir, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", err
	}
	return binDir, nil
}

func buildAll(env map[string]string, suffix string) error {
	binDir, err := ensureBinDir()
	if err != nil {
		return err
	}
	for _, bin := range binaries {
		if err := sh.RunWithV(env, "go", "build",
			"-o", filepath.Join(binDir, bin+suffix),
			"./cmd/"+bin); err != nil {
			return err
		}
	}
	return nil
}

// ── build:* ───────────────────────────────────────────────────────────────────

// All compiles both binaries (fleet-ca and fleet-ca-ctl) to bin/.
func (Build) All() error {
	fmt.Println("Building...")
	ext := ""
	if runtime.GOOS == "windows" {
		ext = ".exe"
	}
	return buildAll(map[string]string{"CGO_ENABLED": "0"}, ext)
}

// FIPS compiles both binaries with GOEXPERIMENT=boringcrypto for FIPS
// compliance (Linux/amd64 only). Output: bin/fleet-ca-fips, bin/fleet-ca-ctl-fips.
func (Build) FIPS() error {
	fmt.Println("Building FIPS compliant binaries...")

	targetOS := os.Getenv("GOOS")
	if targetOS == "windows" {
		fmt.Println("WARNING: FIPS mode (boringcrypto) is NOT supported on Windows.")
		fmt.Println("  The build will continue, but it will create a LINUX binary (GOOS=linux).")
	} else if targetOS == "" && runtime.GOOS == "windows" {
		fmt.Println("WARNING: You are building on Windows, but FIPS mode requires Linux.")
		fmt.Println("  Cross-compiling LINUX binaries (bin/*-fips). These will not run on Windows.")
	}

	return buildAll(map[string]string{
		"GOEXPERIMENT": "boringcrypto",
		"CGO_ENABLED":  "1",
		"GOOS":         "linux",
		"GOARCH":       "amd64",
	}, "-fips")
}

// ── test:* ────────────────────────────────────────────────────────────────────

// Unit runs the unit test suite.
// internal/testutil is excluded (test helpers verified transitively).
func (Test) Unit() error {
	fmt.Println("Running unit tests...")
	return sh.RunV("go", "test", "-v",
		"./internal/api/...",
		"./internal/authz/...",
		"./internal/ca/...",
		"./internal/metrics/...",
		"./internal/storage/...",
		"./cmd/...",
	)
}

// Race runs the whole suite under the race detector. The bootstrap and
// store-lock specs are the ones that matter here.
func (Test) Race() error {
	fmt.Println("Running tests with -race...")
	return sh.RunWithV(map[string]string{"CGO_ENABLED": "1"}, "go", "test", "-race", "./...")
}

// Cover writes coverage.out and prints the per-function summary.
func (Test) Cover() error {
	fmt.Println("Running tests with coverage...")
	if err := sh.RunV("go", "test", "-coverprofile=coverage.out", "./internal/...", "./cmd/..."); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func=coverage.out")
}

// Smoke builds the binaries and drives fleet-ca-ctl in local mode against a
// scratch store: setup, generate with alt names, list, clean.
func (Test) Smoke() error {
	mg.Deps(Build{}.All)
	dir, err := os.MkdirTemp("", "fleet-ca-smoke")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	ctl := filepath.Join("bin", "fleet-ca-ctl")
	cadir := filepath.Join(dir, "ca")
	steps := [][]string{
		{"--cadir", cadir, "--hostname", "smoke.fleet.test", "setup"},
		{"--cadir", cadir, "generate", "--certname", "node.fleet.test", "--dns", "a.fleet.test,b.fleet.test", "--out-dir", dir},
		{"--cadir", cadir, "list", "--all"},
		{"--cadir", cadir, "clean", "--certname", "node.fleet.test"},
		{"--cadir", cadir, "clean", "--certname", "node.fleet.test"},
	}
	for _, args := range steps {
		out, err := sh.Output(ctl, args...)
		if err != nil {
			return fmt.Errorf("fleet-ca-ctl %s: %w", strings.Join(args, " "), err)
		}
		fmt.Println(out)
	}
	return nil
}

// ── dev:* ─────────────────────────────────────────────────────────────────────

// Check verifies formatting, runs go vet, and checks go mod tidy.
// Unlike `go fmt`, gofmt -l prints unformatted files and exits 0 without
// rewriting them; we treat any output as a failure so CI catches drift.
func (Dev) Check() error {
	mg.Deps(Dev{}.Tidy)
	fmt.Println("Running verify...")
	out, err := sh.Output("gofmt", "-l", "cmd", "internal", "magefile.go")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "" {
		return fmt.Errorf("these files need formatting (run 'go fmt ./...'):\n%s", out)
	}
	return sh.Run("go", "vet", "./...")
}

// Tidy runs go mod tidy.
func (Dev) Tidy() error {
	fmt.Println("Tidying modules...")
	return sh.Run("go", "mod", "tidy")
}

// Clean removes the bin/ directory and coverage output.
func (Dev) Clean() error {
	fmt.Println("Cleaning...")
	if err := sh.Rm("coverage.out"); err != nil {
		return err
	}
	return sh.Rm("bin")
}

// Container creates a minimal scratch OCI image holding both binaries and
// loads it into the local Docker / Podman daemon. The server is the
// entrypoint and keeps its store in /data; it expects TLS to be terminated
// in front of it unless --tls-cert/--tls-key are passed.
//
// Configuration (via environment variables):
//
//	IMAGE_NAME   Target tag           (default: fleet-ca:latest)
//	BINARY_PATH  Server binary        (default: ./bin/fleet-ca)
//	CTL_PATH     Operator CLI binary  (default: ./bin/fleet-ca-ctl)
func (Dev) Container() error {
	cfg := ContainerConfig{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("config parse failed: %w", err)
	}
	fmt.Printf("Building '%s' (binaries: %s, %s)...\n", cfg.Image, cfg.Binary, cfg.Ctl)

	binLayer, err := tarLayer(map[string]string{"/app": cfg.Binary, "/fleet-ca-ctl": cfg.Ctl}, nil)
	if err != nil {
		return fmt.Errorf("failed to package binaries: %w", err)
	}

	dirLayer, err := tarLayer(nil, []string{"/data"})
	if err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	img, err := mutate.AppendLayers(empty.Image, binLayer, dirLayer)
	if err != nil {
		return fmt.Errorf("image mutation failed: %w", err)
	}

	img, err = mutate.Config(img, v1.Config{
		Entrypoint: []string{"/app"},
		Cmd:        []string{"--cadir", "/data", "--no-tls-required", "-v", "1"},
	})
	if err != nil {
		return fmt.Errorf("failed to set image config: %w", err)
	}

	tag, err := name.NewTag(cfg.Image)
	if err != nil {
		return err
	}

	if _, err := daemon.Write(tag, img); err != nil {
		return fmt.Errorf("failed to load to daemon: %w", err)
	}

	fmt.Println("Success! Image loaded.")
	return nil
}

// ── types and helpers ─────────────────────────────────────────────────────────

type ContainerConfig struct {
	Image  string `env:"IMAGE_NAME" envDefault:"fleet-ca:latest"`
	Binary string `env:"BINARY_PATH" envDefault:"./bin/fleet-ca"`
	Ctl    string `env:"CTL_PATH" envDefault:"./bin/fleet-ca-ctl"`
}

func tarLayer(files map[string]string, dirs []string) (v1.Layer, error) {
	b := new(bytes.Buffer)
	tw := tar.NewWriter(b)

	for _, dir := range dirs {
		if err := tw.WriteHeader(&tar.Header{Name: dir, Mode: 0755, Typeflag: tar.TypeDir}); err != nil {
			return nil, err
		}
	}

	for dest, src := range files {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		if err := tw.WriteHeader(&tar.Header{Name: dest, Mode: 0755, Size: int64(len(data))}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	tw.Close()

	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b.Bytes())), nil
	})
}
