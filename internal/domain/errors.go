package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a pipeline failure for the run's terminal record.
type ErrorKind string

const (
	ErrorKindConfiguration     ErrorKind = "ConfigurationError"
	ErrorKindGraphConstruction ErrorKind = "GraphConstructionError"
	ErrorKindStageExecution    ErrorKind = "StageExecutionError"
	ErrorKindApprovalRejected  ErrorKind = "ApprovalRejected"
)

// ConfigurationError aggregates missing or malformed parameters.
type ConfigurationError struct {
	Issues []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Issues) == 0 {
		return "configuration invalid"
	}
	return "configuration invalid: " + strings.Join(e.Issues, "; ")
}

func (e *ConfigurationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ConfigurationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// GraphConstructionError aggregates malformed stage wiring.
type GraphConstructionError struct {
	Issues []string
}

func (e *GraphConstructionError) Error() string {
	if len(e.Issues) == 0 {
		return "stage graph invalid"
	}
	return "stage graph invalid: " + strings.Join(e.Issues, "; ")
}

func (e *GraphConstructionError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *GraphConstructionError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// StageExecutionError reports a stage whose procedure failed or whose
// postcondition was not met.
type StageExecutionError struct {
	Stage string
	Step  string
	Err   error
}

func (e *StageExecutionError) Error() string {
	msg := "stage " + e.Stage + " failed"
	if e.Step != "" {
		msg += " at " + e.Step
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// NewStageExecutionError wraps err for stage at step. Existing stage errors
// pass through unchanged.
func NewStageExecutionError(stage, step string, err error) error {
	var existing *StageExecutionError
	if errors.As(err, &existing) {
		return err
	}
	return &StageExecutionError{Stage: stage, Step: step, Err: err}
}

// ApprovalRejectedError is terminal for a run.
type ApprovalRejectedError struct {
	Stage    string
	Actor    string
	Reason   string
	TimedOut bool
}

func (e *ApprovalRejectedError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("approval %s timed out", e.Stage)
	}
	msg := fmt.Sprintf("approval %s rejected", e.Stage)
	if e.Actor != "" {
		msg += " by " + e.Actor
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// KindOf maps err to its ErrorKind. Unclassified errors are reported as stage
// execution failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return ErrorKindConfiguration
	}
	var graphErr *GraphConstructionError
	if errors.As(err, &graphErr) {
		return ErrorKindGraphConstruction
	}
	var rejected *ApprovalRejectedError
	if errors.As(err, &rejected) {
		return ErrorKindApprovalRejected
	}
	return ErrorKindStageExecution
}
