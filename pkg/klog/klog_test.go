/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package klog

import (
	"flag"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Init registers the klog flag set process-wide, so one test drives both
// the file-backed and size-capped paths.
func TestInitRoutesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "terrapod.log")
	require.NoError(t, Init(logFile, 128))

	assert.Equal(t, logFile, flag.Lookup("log_file").Value.String())
	assert.Equal(t, "false", flag.Lookup("logtostderr").Value.String())
	assert.Equal(t, "true", flag.Lookup("alsologtostderr").Value.String())
	assert.Equal(t, "true", flag.Lookup("skip_log_headers").Value.String())
	assert.Equal(t, "128", flag.Lookup("log_file_max_size").Value.String())
}
