/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package main

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Re-executes the test binary so the exit code of main itself can be
// asserted: a fatal configuration error must exit 1, not 0, or supervisors
// treat a misconfigured server as a clean exit.
func TestMainExitsOnBadConfig(t *testing.T) {
	if os.Getenv("TERRAPOD_MAIN_TEST") == "1" {
		main()
		return
	}
	cmd := exec.Command(os.Args[0],
		"-test.run=TestMainExitsOnBadConfig", "-config", "/does/not/exist.yaml")
	cmd.Env = append(os.Environ(), "TERRAPOD_MAIN_TEST=1")
	err := cmd.Run()
	require.Error(t, err)
	exitErr, ok := err.(*exec.ExitError)
	require.True(t, ok)
	assert.Equal(t, 1, exitErr.ExitCode())
}
