// Package rberrors defines the error taxonomy used across the rebalancer
// (spec §7). Each kind is a distinct Go type so callers can discriminate
// with errors.As instead of string matching.
package rberrors

import "fmt"

// ConfigurationError signals a fatal, abort-before-any-mutation problem:
// policy validation failure, scoring with both analyzers disabled, or an
// out-of-range tunable.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// DataUnavailable signals that a component could not obtain data it
// needed (missing returns, missing scanner data) and fell back to a
// neutral/default value. Callers inspect Missing to learn what was
// unavailable; the operation itself still returns a usable result.
type DataUnavailable struct {
	Component string
	Missing   string
}

func (e *DataUnavailable) Error() string {
	return fmt.Sprintf("%s: data unavailable: %s", e.Component, e.Missing)
}

// ProtectionCheckFailure records that a protection sub-guard raised an
// internal error while evaluating a request. Secondary guards treat this
// as fail-open (not blocking); the core-asset guard treats it as
// fail-closed (deny) — see ProtectionOrchestrator.
type ProtectionCheckFailure struct {
	System string
	Cause  error
}

func (e *ProtectionCheckFailure) Error() string {
	return fmt.Sprintf("protection check failed: %s: %v", e.System, e.Cause)
}

func (e *ProtectionCheckFailure) Unwrap() error { return e.Cause }

// RebalanceFailure is an unrecoverable pipeline error. The engine
// guarantees all-or-nothing: either every side effect of the rebalance
// was applied, or none were, and RebalanceFailure is what the caller
// receives in the latter case.
type RebalanceFailure struct {
	TraceID string
	Stage   string
	Cause   error
}

func (e *RebalanceFailure) Error() string {
	return fmt.Sprintf("rebalance failed at %s (trace=%s): %v", e.Stage, e.TraceID, e.Cause)
}

func (e *RebalanceFailure) Unwrap() error { return e.Cause }

// LifecycleInvariantViolation records an attempted action that would
// violate a lifecycle invariant (e.g. grace-expiring an untracked asset).
// The pipeline logs it, skips the offending action, and continues.
type LifecycleInvariantViolation struct {
	Asset  string
	Reason string
}

func (e *LifecycleInvariantViolation) Error() string {
	return fmt.Sprintf("lifecycle invariant violated for %s: %s", e.Asset, e.Reason)
}
