/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArtifactKeys(t *testing.T) {
	assert.Equal(t, "state/ws1/sv1.tfstate", StateVersionKey("ws1", "sv1"))
	assert.Equal(t, "plans/ws1/run1.tfplan", PlanFileKey("ws1", "run1"))
	assert.Equal(t, "logs/ws1/plans/run1.log", PlanLogKey("ws1", "run1"))
	assert.Equal(t, "logs/ws1/applies/run1.log", ApplyLogKey("ws1", "run1"))
	assert.Equal(t, "config/ws1/cv1.tar.gz", ConfigVersionKey("ws1", "cv1"))
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("state/ws1/sv1.tfstate"))
	assert.NoError(t, ValidateKey("a/b/c"))

	assert.Error(t, ValidateKey(""))
	assert.Error(t, ValidateKey("/etc/passwd"))
	assert.Error(t, ValidateKey("../outside"))
	assert.Error(t, ValidateKey("state/../../outside"))
	assert.Error(t, ValidateKey(`state\..\x`))
}
