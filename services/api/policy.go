package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// DispatchPolicy is the single retry policy applied to run delivery. One
// policy exists per machine type instead of ad hoc per-call-site behaviour.
type DispatchPolicy struct {
	// MaxAttempts bounds delivery attempts, including the first.
	MaxAttempts int
	// Backoff returns the wait before retrying after the given 1-based
	// failed attempt.
	Backoff func(attempt int) time.Duration
	// AttemptTimeout bounds each individual HTTP attempt.
	AttemptTimeout time.Duration
	// RetryNetworkErrors controls whether transport-level failures are
	// retried or abort delivery immediately.
	RetryNetworkErrors bool
	// AssumeSuccessOnTimeout treats a timed-out attempt as delivered.
	// Classic machines report their own progress through the update
	// callback, so a slow accept is not a failure.
	AssumeSuccessOnTimeout bool
}

func linearBackoff(step time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return step }
}

func exponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base << (attempt - 1)
	}
}

func defaultPolicies() map[string]DispatchPolicy {
	return map[string]DispatchPolicy{
		MachineTypeServerless: {
			MaxAttempts:        3,
			Backoff:            exponentialBackoff(time.Second),
			AttemptTimeout:     15 * time.Second,
			RetryNetworkErrors: true,
		},
		MachineTypeTokenServerless: {
			MaxAttempts:        3,
			Backoff:            linearBackoff(time.Second),
			AttemptTimeout:     10 * time.Second,
			RetryNetworkErrors: true,
		},
		MachineTypeClassic: {
			MaxAttempts:            2,
			Backoff:                linearBackoff(time.Second),
			AttemptTimeout:         30 * time.Second,
			RetryNetworkErrors:     true,
			AssumeSuccessOnTimeout: true,
		},
	}
}

// policyFor returns the dispatch policy for a machine type, falling back
// to the classic policy for unknown types.
func (a *API) policyFor(machineType string) DispatchPolicy {
	if p, ok := a.policies[machineType]; ok {
		return p
	}
	return a.policies[MachineTypeClassic]
}

// DispatchError wraps a non-success response from a machine endpoint.
type DispatchError struct {
	StatusCode int
	Body       string
	NodeErrors string
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("error creating run, status %d", e.StatusCode)
	if e.NodeErrors != "" {
		return msg + " " + e.NodeErrors
	}
	if e.Body != "" {
		return msg + " " + e.Body
	}
	return msg
}

// deliveryOutcome classifies an attempt error against the policy.
type deliveryOutcome int

const (
	outcomeRetry deliveryOutcome = iota
	outcomeAbort
	outcomeAssumeSuccess
)

func (p DispatchPolicy) classify(err error) deliveryOutcome {
	if isTimeout(err) {
		if p.AssumeSuccessOnTimeout {
			return outcomeAssumeSuccess
		}
		return outcomeRetry
	}

	var de *DispatchError
	if errors.As(err, &de) {
		return outcomeRetry
	}

	// Anything else is a transport-level failure.
	if p.RetryNetworkErrors {
		return outcomeRetry
	}
	return outcomeAbort
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return true
	}
	return false
}
