package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the CA error taxonomy. A *Error with the matching Kind
// satisfies errors.Is against these.
var (
	ErrPolicyViolation        = errors.New("policy violation")
	ErrAuthorityNotFound      = errors.New("certificate authority not found")
	ErrPolicyNotFound         = errors.New("certificate policy not found")
	ErrCertificateNotFound    = errors.New("certificate not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrCryptographicOperation = errors.New("cryptographic operation failed")
	ErrHybridConsistency      = errors.New("hybrid consistency failure")
	ErrKeyUnavailable         = errors.New("signing key unavailable")
	ErrUnsupportedAlgorithm   = errors.New("unsupported algorithm")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrInvalidInput           = errors.New("invalid input")
)

// ErrorKind categorizes CA errors.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPolicyViolation
	KindAuthorityNotFound
	KindPolicyNotFound
	KindCertificateNotFound
	KindInvalidStateTransition
	KindCryptographic
	KindHybridConsistency
	KindKeyUnavailable
	KindUnsupportedAlgorithm
	KindAuthentication
	KindInvalidInput
)

var kindSentinels = map[ErrorKind]error{
	KindPolicyViolation:        ErrPolicyViolation,
	KindAuthorityNotFound:      ErrAuthorityNotFound,
	KindPolicyNotFound:         ErrPolicyNotFound,
	KindCertificateNotFound:    ErrCertificateNotFound,
	KindInvalidStateTransition: ErrInvalidStateTransition,
	KindCryptographic:          ErrCryptographicOperation,
	KindHybridConsistency:      ErrHybridConsistency,
	KindKeyUnavailable:         ErrKeyUnavailable,
	KindUnsupportedAlgorithm:   ErrUnsupportedAlgorithm,
	KindAuthentication:         ErrAuthenticationFailed,
	KindInvalidInput:           ErrInvalidInput,
}

func (k ErrorKind) String() string {
	if s, ok := kindSentinels[k]; ok {
		return s.Error()
	}
	return "unknown error"
}

// Error wraps a failure with the operation, classification and the rule or
// algorithm involved.
type Error struct {
	Op        string // operation that failed, e.g. "issue", "revoke"
	Kind      ErrorKind
	Rule      string // failing policy rule, for policy violations
	Algorithm string // algorithm involved, for crypto and key failures
	Err       error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Rule != "" {
		msg += " [" + e.Rule + "]"
	}
	if e.Algorithm != "" {
		msg += " (" + e.Algorithm + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind so callers can use errors.Is
// without caring whether the failure was wrapped.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// NewError creates a new Error.
func NewError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// PolicyViolation builds a policy violation naming the failing rule.
func PolicyViolation(op, rule, reason string) *Error {
	return &Error{Op: op, Kind: KindPolicyViolation, Rule: rule, Err: errors.New(reason)}
}

// CryptoFailure wraps a failure inside the key provider or builder boundary.
func CryptoFailure(op, alg string, err error) *Error {
	return &Error{Op: op, Kind: KindCryptographic, Algorithm: alg, Err: err}
}

// KeyUnavailable reports that no usable key exists for an algorithm.
func KeyUnavailable(op, alg string, err error) *Error {
	return &Error{Op: op, Kind: KindKeyUnavailable, Algorithm: alg, Err: err}
}

// InvalidTransition reports a lifecycle guard violation.
func InvalidTransition(op string, from CertificateStatus, serial string) *Error {
	return &Error{
		Op:   op,
		Kind: KindInvalidStateTransition,
		Err:  fmt.Errorf("certificate %s is %s", serial, from),
	}
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var caErr *Error
	if errors.As(err, &caErr) {
		return caErr.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindUnknown
}

// IsNotFound reports whether err is any of the lookup-miss kinds.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAuthorityNotFound) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrCertificateNotFound)
}

// IsPolicyViolation reports whether err is a recoverable validation outcome.
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrPolicyViolation) || errors.Is(err, ErrHybridConsistency)
}

// HTTPStatus maps an error to a status code for thin transport adapters.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindPolicyViolation, KindHybridConsistency, KindInvalidInput, KindUnsupportedAlgorithm:
		return 400
	case KindAuthentication:
		return 401
	case KindAuthorityNotFound, KindPolicyNotFound, KindCertificateNotFound:
		return 404
	case KindInvalidStateTransition:
		return 409
	case KindKeyUnavailable:
		return 503
	}
	return 500
}
