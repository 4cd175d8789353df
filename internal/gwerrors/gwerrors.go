/*
Copyright 2026 Devolutions Gateway Core Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package gwerrors defines the error kinds shared across the gateway core,
// each one a thin trace.Wrap-able type so callers can errors.As/trace.Is*
// their way to a decision instead of string-matching messages.
package gwerrors

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind categorizes a core error per the propagation rules.
type Kind string

const (
	// KindAdmission covers bad/expired/revoked/replayed tokens and
	// credentials presented over an unencrypted transport.
	KindAdmission Kind = "admission"
	// KindTargetUnreachable covers DNS failure or every candidate failing to connect.
	KindTargetUnreachable Kind = "target_unreachable"
	// KindProtocolViolation covers malformed JMUX frames, window overruns, and state mismatches.
	KindProtocolViolation Kind = "protocol_violation"
	// KindTransport covers I/O errors mid-forward.
	KindTransport Kind = "transport"
	// KindTimeout covers jet_ttl, admission, and rendezvous pairing timers.
	KindTimeout Kind = "timeout"
	// KindFatal covers audit queue failure and registry lock poisoning.
	KindFatal Kind = "fatal"
)

// CoreError is a trace-wrapped error tagged with one of the Kind values above.
type CoreError struct {
	Kind Kind
	Err  error
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// New wraps err (if non-nil) as a CoreError of the given kind. Returns nil
// when err is nil so it composes with the usual `if err != nil` guard.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(&CoreError{Kind: kind, Err: err})
}

// Newf builds a CoreError directly from a format string, the way
// trace.BadParameter/trace.NotFound build ad hoc errors.
func Newf(kind Kind, format string, args ...any) error {
	return trace.Wrap(&CoreError{Kind: kind, Err: fmt.Errorf(format, args...)})
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	return errors.As(err, &ce) && ce.Kind == kind
}

// Admission-specific sentinel reasons, all surfaced through KindAdmission.
var (
	ErrInvalidSignature           = errors.New("invalid signature")
	ErrExpired                    = errors.New("token expired")
	ErrNotYetValid                = errors.New("token not yet valid")
	ErrReplayed                   = errors.New("token replayed from a different source address")
	ErrRevoked                    = errors.New("token revoked")
	ErrCredentialsOverUnencrypted = errors.New("credentials must not be presented over an unencrypted channel")
	ErrUnknownKid                 = errors.New("unknown signing key id")
	ErrGatewayIDMismatch          = errors.New("token gateway id does not match this gateway")
	ErrConnectionNotAllowed       = errors.New("destination is not permitted by the filtering rule set")
)

// OpenFailure reason codes for JMUX OpenFailure messages (spec section 4.8).
type OpenFailureReason uint32

const (
	ReasonConnectionNotAllowed OpenFailureReason = iota + 1
	ReasonConnectionFailed
	ReasonNameResolutionFailed
	ReasonGeneralFailure
)

func (r OpenFailureReason) String() string {
	switch r {
	case ReasonConnectionNotAllowed:
		return "ConnectionNotAllowed"
	case ReasonConnectionFailed:
		return "ConnectionFailed"
	case ReasonNameResolutionFailed:
		return "NameResolutionFailed"
	case ReasonGeneralFailure:
		return "GeneralFailure"
	default:
		return "Unknown"
	}
}
