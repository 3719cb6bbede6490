// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

// Package main provides build targets for the pipeline project using Mage.
//
// Usage:
//
//	mage build             Compile the pipeline binary to bin/
//	mage test:all          Run all tests
//	mage test:unit         Run tests in short mode (skips on-disk suites)
//	mage test:postgres     Run the record store suite against PostgreSQL
//	mage test:e2e          Run the end-to-end tests of the pipeline binary
//	mage lint              Run golangci-lint
//	mage clean             Remove build artifacts
//	mage install           Install pipeline to GOPATH/bin
//	mage stats             Print Go LOC and table counts
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binaryName = "pipeline"
	binaryDir  = "bin"
	cmdDir     = "./cmd/pipeline"
	versionVar = "github.com/mesh-intelligence/pipeline/internal/cli.Version"
)

// ldflags stamps the version from PIPELINE_VERSION when it is set.
func ldflags() string {
	if v := os.Getenv("PIPELINE_VERSION"); v != "" {
		return "-X " + versionVar + "=" + v
	}
	return ""
}

// Build compiles the pipeline binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	return sh.RunV(binGo, "build", "-v", "-ldflags", ldflags(), "-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV(binGo, "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}
