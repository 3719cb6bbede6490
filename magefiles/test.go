// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// postgresDSNEnv names the database the postgres suite runs against.
const postgresDSNEnv = "PIPELINE_TEST_POSTGRES_DSN"

// Test groups test targets (all, unit, postgres, e2e).
type Test mg.Namespace

// All runs all tests.
func (Test) All() error {
	return sh.RunV(binGo, "test", "-v", "./...")
}

// Unit runs tests in short mode, skipping on-disk backend suites.
func (Test) Unit() error {
	return sh.RunV(binGo, "test", "-short", "./...")
}

// Race runs all tests with the race detector.
func (Test) Race() error {
	return sh.RunV(binGo, "test", "-race", "./...")
}

// Postgres runs the record store suite against the database named by
// PIPELINE_TEST_POSTGRES_DSN.
func (Test) Postgres() error {
	if os.Getenv(postgresDSNEnv) == "" {
		return errors.New(postgresDSNEnv + " is not set")
	}
	return sh.RunV(binGo, "test", "-v", "-count=1", "./internal/postgres/...")
}

// E2e builds first, then runs the tests that drive the pipeline binary.
func (Test) E2e() error {
	mg.Deps(Build)
	fmt.Println("running end-to-end tests")
	return sh.RunV(binGo, "test", "-v", "-count=1", cmdDir)
}
