package domain

import "strings"

// RunState is the lifecycle state of one pipeline run.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
)

// StageStatus is the lifecycle state of one stage within a run.
type StageStatus string

const (
	StageStatusPending          StageStatus = "pending"
	StageStatusRunning          StageStatus = "running"
	StageStatusAwaitingApproval StageStatus = "awaiting_approval"
	StageStatusSucceeded        StageStatus = "succeeded"
	StageStatusFailed           StageStatus = "failed"
	StageStatusNotRun           StageStatus = "not_run"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed
}

// NormalizeRunState maps free-form status values to canonical run states.
func NormalizeRunState(value string) RunState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStateQueued), "created", "pending":
		return RunStateQueued
	case string(RunStateRunning):
		return RunStateRunning
	case string(RunStateSucceeded):
		return RunStateSucceeded
	case string(RunStateFailed):
		return RunStateFailed
	default:
		return ""
	}
}

// CanTransitionRunState enforces forward-only state progression.
func CanTransitionRunState(current, next RunState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if current.Terminal() {
		return false
	}
	return runStateOrder(current) < runStateOrder(next)
}

func runStateOrder(state RunState) int {
	switch state {
	case RunStateQueued:
		return 1
	case RunStateRunning:
		return 2
	case RunStateSucceeded, RunStateFailed:
		return 3
	default:
		return 0
	}
}
