/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package runs

import (
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusCanceled, true},
		{StatusPending, StatusPlanning, false},
		{StatusQueued, StatusPlanning, true},
		{StatusPlanning, StatusPlanned, true},
		{StatusPlanning, StatusConfirmed, false},
		{StatusPlanned, StatusConfirmed, true},
		{StatusPlanned, StatusDiscarded, true},
		{StatusPlanned, StatusApplying, false},
		{StatusConfirmed, StatusApplying, true},
		{StatusApplying, StatusApplied, true},
		{StatusApplying, StatusPlanned, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	all := []string{
		StatusPending, StatusQueued, StatusPlanning, StatusPlanned,
		StatusConfirmed, StatusApplying, StatusApplied, StatusErrored,
		StatusDiscarded, StatusCanceled,
	}
	for _, terminal := range []string{StatusApplied, StatusErrored, StatusDiscarded, StatusCanceled} {
		assert.True(t, IsTerminal(terminal))
		for _, target := range all {
			assert.False(t, CanTransition(terminal, target), "%s -> %s", terminal, target)
		}
	}
}

func TestStampPhaseTimestamps(t *testing.T) {
	now := time.Now().UTC()
	run := &dbclient.Run{Status: StatusQueued}

	stampPhaseTimestamps(run, StatusPlanning, now)
	assert.True(t, run.PlanStartedAt.Valid)
	assert.False(t, run.PlanFinishedAt.Valid)

	stampPhaseTimestamps(run, StatusPlanned, now)
	assert.True(t, run.PlanFinishedAt.Valid)

	stampPhaseTimestamps(run, StatusApplying, now)
	assert.True(t, run.ApplyStartedAt.Valid)
	assert.False(t, run.ApplyFinishedAt.Valid)

	stampPhaseTimestamps(run, StatusApplied, now)
	assert.True(t, run.ApplyFinishedAt.Valid)
}

func TestStampPhaseTimestampsErrorClosesOpenPhase(t *testing.T) {
	now := time.Now().UTC()

	// Errored while planning closes the plan clock.
	run := &dbclient.Run{PlanStartedAt: pq.NullTime{Time: now, Valid: true}}
	stampPhaseTimestamps(run, StatusErrored, now)
	assert.True(t, run.PlanFinishedAt.Valid)
	assert.False(t, run.ApplyFinishedAt.Valid)

	// Errored while applying closes the apply clock and leaves the plan
	// clock untouched.
	run = &dbclient.Run{
		PlanStartedAt:  pq.NullTime{Time: now, Valid: true},
		PlanFinishedAt: pq.NullTime{Time: now, Valid: true},
		ApplyStartedAt: pq.NullTime{Time: now, Valid: true},
	}
	stampPhaseTimestamps(run, StatusErrored, now)
	assert.True(t, run.ApplyFinishedAt.Valid)

	// Errored before planning stamps nothing.
	run = &dbclient.Run{}
	stampPhaseTimestamps(run, StatusErrored, now)
	assert.False(t, run.PlanFinishedAt.Valid)
	assert.False(t, run.ApplyFinishedAt.Valid)
}

func TestPhaseProjection(t *testing.T) {
	now := pq.NullTime{Time: time.Now().UTC(), Valid: true}
	cases := []struct {
		name      string
		run       dbclient.Run
		planPhase string
		applyPhas string
	}{
		{"pending", dbclient.Run{Status: StatusPending}, PhasePending, PhaseUnreachable},
		{"queued", dbclient.Run{Status: StatusQueued}, PhasePending, PhaseUnreachable},
		{"planning", dbclient.Run{Status: StatusPlanning}, PhaseRunning, PhaseUnreachable},
		{"planned", dbclient.Run{Status: StatusPlanned}, PhaseFinished, PhaseUnreachable},
		{"confirmed", dbclient.Run{Status: StatusConfirmed}, PhaseFinished, PhasePending},
		{"applying", dbclient.Run{Status: StatusApplying}, PhaseFinished, PhaseRunning},
		{"applied", dbclient.Run{Status: StatusApplied}, PhaseFinished, PhaseFinished},
		{"errored before plan", dbclient.Run{Status: StatusErrored}, PhaseErrored, PhaseUnreachable},
		{"errored plan finished", dbclient.Run{Status: StatusErrored, PlanStartedAt: now, PlanFinishedAt: now},
			PhaseFinished, PhaseUnreachable},
		{"errored apply open", dbclient.Run{Status: StatusErrored, PlanStartedAt: now, PlanFinishedAt: now, ApplyStartedAt: now},
			PhaseFinished, PhaseErrored},
		{"canceled", dbclient.Run{Status: StatusCanceled}, PhaseCanceled, PhaseCanceled},
		{"discarded", dbclient.Run{Status: StatusDiscarded}, PhaseCanceled, PhaseCanceled},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.planPhase, PlanStatus(&c.run))
			assert.Equal(t, c.applyPhas, ApplyStatus(&c.run))
		})
	}
}

func TestLogTerminalStates(t *testing.T) {
	assert.True(t, PlanLogTerminal(StatusPlanned))
	assert.True(t, PlanLogTerminal(StatusApplying))
	assert.True(t, PlanLogTerminal(StatusCanceled))
	assert.False(t, PlanLogTerminal(StatusPlanning))
	assert.False(t, PlanLogTerminal(StatusQueued))

	assert.True(t, ApplyLogTerminal(StatusApplied))
	assert.True(t, ApplyLogTerminal(StatusErrored))
	assert.False(t, ApplyLogTerminal(StatusApplying))
	assert.False(t, ApplyLogTerminal(StatusPlanned))
}

func TestFrameLogChunk(t *testing.T) {
	data := []byte("hello world")

	// First chunk opens the stream.
	framed := FrameLogChunk(data, 0, 5, false)
	assert.Equal(t, append([]byte{STX}, []byte("hello")...), framed)

	// Middle chunk has no markers.
	framed = FrameLogChunk(data, 5, 3, false)
	assert.Equal(t, []byte(" wo"), framed)

	// Final chunk of a finished phase closes the stream.
	framed = FrameLogChunk(data, 5, 100, true)
	assert.Equal(t, append([]byte("rld"), ETX), framed)

	// Single request covering everything gets both markers.
	framed = FrameLogChunk(data, 0, 100, true)
	want := append([]byte{STX}, data...)
	want = append(want, ETX)
	assert.Equal(t, want, framed)

	// Reading past the end of a running phase yields nothing.
	framed = FrameLogChunk(data, 100, 10, false)
	assert.Empty(t, framed)
}

func TestFrameMissingLog(t *testing.T) {
	assert.Equal(t, []byte{STX, ETX}, FrameMissingLog(true))
	assert.Empty(t, FrameMissingLog(false))
}
