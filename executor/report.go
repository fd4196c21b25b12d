package executor

import (
	"time"

	"github.com/runboxd/runbox/sandbox"
)

// Status is the externally visible outcome of a request
type Status string

// Statuses reported to callers
const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

// ErrorKind is the machine-readable error taxonomy. Infrastructure
// errors are mapped onto these kinds and never surfaced verbatim;
// captured stdout/stderr pass through untouched since they are program
// output, not internal detail.
type ErrorKind string

// Error kinds
const (
	KindNone              ErrorKind = ""
	KindAuth              ErrorKind = "auth"
	KindValidation        ErrorKind = "validation"
	KindAdmissionRejected ErrorKind = "admission_rejected"
	KindQueueTimeout      ErrorKind = "queue_timeout"
	KindProvision         ErrorKind = "provision"
	KindInstallFailed     ErrorKind = "install_failed"
	KindExecution         ErrorKind = "execution"
	KindTimeout           ErrorKind = "timeout"
	KindInternal          ErrorKind = "internal"
)

// Retryable reports whether retrying the same request later may succeed
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindAdmissionRejected, KindQueueTimeout, KindProvision:
		return true
	}
	return false
}

// Result is the normalized outcome of one execution request
type Result struct {
	SessionID string
	Status    Status
	ErrorKind ErrorKind
	Err       string // human-readable message, empty on success

	Stdout    string
	Stderr    string
	ExitCode  *int // nil when the code never ran to completion
	Duration  time.Duration
	Truncated bool
}

// rejected builds a Result for a request turned away before any
// resource was allocated
func rejected(sess *Session, kind ErrorKind, msg string) Result {
	return Result{
		SessionID: sess.ID,
		Status:    StatusRejected,
		ErrorKind: kind,
		Err:       msg,
		Duration:  sess.Elapsed(),
	}
}

// infraFailure builds a Result for an infrastructure fault. The message
// is a fixed taxonomy phrase; the backend's own error text stays in the
// server-side logs.
func infraFailure(sess *Session, kind ErrorKind, msg string) Result {
	return Result{
		SessionID: sess.ID,
		Status:    StatusFailed,
		ErrorKind: kind,
		Err:       msg,
		Duration:  sess.Elapsed(),
	}
}

// installFailure builds a Result for a failed dependency install. The
// installer's output is user-actionable, so it is surfaced on stderr.
func installFailure(sess *Session, installErr *sandbox.InstallError) Result {
	return Result{
		SessionID: sess.ID,
		Status:    StatusFailed,
		ErrorKind: KindInstallFailed,
		Err:       "dependency installation failed",
		Stderr:    installErr.Output,
		Duration:  sess.Elapsed(),
	}
}

// timedOut builds a Result for a session whose wall clock expired.
// Output captured before the cut is reported, never discarded.
func timedOut(sess *Session, outcome sandbox.RawOutcome, limit time.Duration) Result {
	return Result{
		SessionID: sess.ID,
		Status:    StatusTimedOut,
		ErrorKind: KindTimeout,
		Err:       "execution exceeded the time limit of " + limit.String(),
		Stdout:    outcome.Stdout,
		Stderr:    outcome.Stderr,
		Duration:  sess.Elapsed(),
		Truncated: outcome.Truncated,
	}
}

// fromOutcome builds a Result for code that ran to completion. Exit 0
// maps to Completed; anything else is a code-level failure, distinct
// from an infrastructure fault.
func fromOutcome(sess *Session, outcome sandbox.RawOutcome) Result {
	exitCode := outcome.ExitCode
	result := Result{
		SessionID: sess.ID,
		Stdout:    outcome.Stdout,
		Stderr:    outcome.Stderr,
		ExitCode:  &exitCode,
		Duration:  outcome.Duration,
		Truncated: outcome.Truncated,
	}
	if outcome.ExitCode == 0 {
		result.Status = StatusCompleted
	} else {
		result.Status = StatusFailed
		result.ErrorKind = KindExecution
		result.Err = "code exited with a nonzero status"
	}
	return result
}
