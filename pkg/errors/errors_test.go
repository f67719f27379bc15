/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodes(t *testing.T) {
	err := NewNotFound("run", "run-abc")
	assert.True(t, IsNotFound(err))
	assert.True(t, IsTerrapod(err))
	assert.Equal(t, RunNotFound, GetErrorCode(err))
	assert.Nil(t, IgnoreFound(err))

	err = NewConflict(IllegalTransition, "applied -> planning")
	assert.True(t, IsIllegalTransition(err))
	assert.Equal(t, int32(409), err.Status().Code)

	err2 := fmt.Errorf("plain error")
	assert.False(t, IsTerrapod(err2))
	assert.Equal(t, "", GetErrorCode(err2))
	assert.NotNil(t, IgnoreFound(err2))
}

func TestStatusCodes(t *testing.T) {
	assert.Equal(t, int32(422), NewValidationError("x").Status().Code)
	assert.Equal(t, int32(401), NewUnauthorized("x").Status().Code)
	assert.Equal(t, int32(403), NewForbidden("x").Status().Code)
	assert.Equal(t, int32(502), NewUpstreamFailure("x").Status().Code)
	assert.Equal(t, int32(409), NewAlreadyExist("x").Status().Code)
}
