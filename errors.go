package corppass

import (
	"errors"
	"fmt"
	"strings"
)

// FailureType tags a Failure so the host middleware's failure handler can
// distinguish "never was valid" from "was valid, expired".
type FailureType string

const (
	// FailureException marks a terminal authentication error.
	FailureException FailureType = "exception"

	// FailureTimeout marks a session that was valid but has expired.
	FailureTimeout FailureType = "timeout"
)

// Scope is the authentication scope all CorpPass state lives under.
const Scope = "corp_pass"

// Failure is the tagged authentication failure surfaced to the host
// middleware. It wraps the specific error that caused it.
type Failure struct {
	Type  FailureType
	Scope string
	Err   error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("corppass %s failure in scope %s: %v", f.Type, f.Scope, f.Err)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (f *Failure) Unwrap() error {
	return f.Err
}

// NewExceptionFailure wraps err as a terminal authentication failure.
func NewExceptionFailure(err error) *Failure {
	return &Failure{Type: FailureException, Scope: Scope, Err: err}
}

// NewTimeoutFailure wraps err as a session-timeout failure.
func NewTimeoutFailure(err error) *Failure {
	return &Failure{Type: FailureTimeout, Scope: Scope, Err: err}
}

// NetworkError is a transient transport failure during artifact resolution.
// The strategy retries exactly once on this class; the same class on the
// retry is terminal.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error resolving artifact: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProtocolError is a malformed or unverifiable SAML envelope reported by the
// toolkit layer. Never retried.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("saml error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ArtifactResolutionError means the ArtifactResponse parsed but its status
// was not success. Carries the raw envelope for diagnosis.
type ArtifactResolutionError struct {
	Envelope *ResolvedEnvelope
}

func (e *ArtifactResolutionError) Error() string {
	return "artifact resolution failed"
}

// ErrMissingAssertion is the sentinel matched by errors.Is for responses
// carrying no assertion at all.
var ErrMissingAssertion = errors.New("missing assertion in SAML response")

// MissingAssertionError carries the serialized response alongside
// ErrMissingAssertion.
type MissingAssertionError struct {
	XML string
}

func (e *MissingAssertionError) Error() string {
	return ErrMissingAssertion.Error()
}

func (e *MissingAssertionError) Unwrap() error {
	return ErrMissingAssertion
}

// ResponseValidationError reports one or more failed response checks, in
// the order the checks ran, together with the response XML.
type ResponseValidationError struct {
	Messages []string
	XML      string
}

func (e *ResponseValidationError) Error() string {
	return "saml response validation failed: " + strings.Join(e.Messages, "; ")
}

// InvalidAuthAccessError reports a rejected authorization payload. Distinct
// from ResponseValidationError: the envelope was fine, the embedded AuthAccess
// document was not.
type InvalidAuthAccessError struct {
	Messages []string
	XML      string
}

func (e *InvalidAuthAccessError) Error() string {
	return "invalid auth access: " + strings.Join(e.Messages, "; ")
}

// TimeoutError reports which session lifetime policy forced the logout.
type TimeoutError struct {
	Inactivity bool
	Lifetime   bool
}

func (e *TimeoutError) Error() string {
	switch {
	case e.Inactivity && e.Lifetime:
		return "session timed out: inactivity and maximum lifetime exceeded"
	case e.Lifetime:
		return "session timed out: maximum lifetime exceeded"
	default:
		return "session timed out: inactivity"
	}
}
