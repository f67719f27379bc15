/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package runs

import (
	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
)

// Run statuses, persisted as strings.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusPlanning  = "planning"
	StatusPlanned   = "planned"
	StatusConfirmed = "confirmed"
	StatusApplying  = "applying"
	StatusApplied   = "applied"
	StatusErrored   = "errored"
	StatusDiscarded = "discarded"
	StatusCanceled  = "canceled"
)

// Phase statuses projected for clients that render plan and apply separately.
const (
	PhasePending     = "pending"
	PhaseRunning     = "running"
	PhaseFinished    = "finished"
	PhaseErrored     = "errored"
	PhaseCanceled    = "canceled"
	PhaseUnreachable = "unreachable"
)

var validTransitions = map[string][]string{
	StatusPending:   {StatusQueued, StatusCanceled, StatusErrored},
	StatusQueued:    {StatusPlanning, StatusCanceled, StatusErrored},
	StatusPlanning:  {StatusPlanned, StatusErrored, StatusCanceled},
	StatusPlanned:   {StatusConfirmed, StatusDiscarded, StatusErrored, StatusCanceled},
	StatusConfirmed: {StatusApplying, StatusErrored, StatusCanceled},
	StatusApplying:  {StatusApplied, StatusErrored, StatusCanceled},
}

var terminalStates = map[string]bool{
	StatusApplied:   true,
	StatusErrored:   true,
	StatusDiscarded: true,
	StatusCanceled:  true,
}

func IsTerminal(status string) bool {
	return terminalStates[status]
}

// CanTransition reports whether current → target is a legal edge. No edge
// leaves a terminal state.
func CanTransition(current, target string) bool {
	if terminalStates[current] {
		return false
	}
	for _, allowed := range validTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// PlanStatus maps a run onto its plan-phase view.
func PlanStatus(run *dbclient.Run) string {
	switch run.Status {
	case StatusPending, StatusQueued:
		return PhasePending
	case StatusPlanning:
		return PhaseRunning
	case StatusPlanned, StatusConfirmed, StatusApplying, StatusApplied:
		return PhaseFinished
	case StatusErrored:
		// Errored before the plan ever finished.
		if !run.PlanFinishedAt.Valid {
			return PhaseErrored
		}
		return PhaseFinished
	case StatusCanceled, StatusDiscarded:
		return PhaseCanceled
	}
	return run.Status
}

// ApplyStatus maps a run onto its apply-phase view.
func ApplyStatus(run *dbclient.Run) string {
	switch run.Status {
	case StatusPending, StatusQueued, StatusPlanning, StatusPlanned:
		return PhaseUnreachable
	case StatusConfirmed:
		return PhasePending
	case StatusApplying:
		return PhaseRunning
	case StatusApplied:
		return PhaseFinished
	case StatusErrored:
		// Errored while the apply was open.
		if run.ApplyStartedAt.Valid && !run.ApplyFinishedAt.Valid {
			return PhaseErrored
		}
		return PhaseUnreachable
	case StatusCanceled, StatusDiscarded:
		return PhaseCanceled
	}
	return run.Status
}

var planLogTerminalStates = map[string]bool{
	StatusPlanned:   true,
	StatusConfirmed: true,
	StatusApplying:  true,
	StatusApplied:   true,
	StatusErrored:   true,
	StatusDiscarded: true,
	StatusCanceled:  true,
}

// PlanLogTerminal reports whether the plan phase can no longer produce output.
func PlanLogTerminal(status string) bool {
	return planLogTerminalStates[status]
}

// ApplyLogTerminal reports whether the apply phase can no longer produce output.
func ApplyLogTerminal(status string) bool {
	return terminalStates[status]
}
