// Wire status codes of the Relay protocol and the tagged error carrying them.

package errors

import (
	stderrors "errors"
	"fmt"
)

// Status is the symbolic name of a wire status code.
type Status string

const (
	OK                  Status = "OK"
	Syntax              Status = "Syntax"
	Datatype            Status = "Datatype"
	IDNotFound          Status = "IDNotFound"
	InternalServerError Status = "InternalServerError"
	RateLimit           Status = "RateLimit"
	TooLarge            Status = "TooLarge"
	TAEnabled           Status = "TAEnabled"
	IDRequired          Status = "IDRequired"
	Invalid             Status = "Invalid"
	Blocked             Status = "Blocked"
	Disabled            Status = "Disabled"
	PasswordInvalid     Status = "PasswordInvalid"
	IDExists            Status = "IDExists"
	TwoFARequired       Status = "2FARequired"
	Banned              Status = "Banned"
	Kicked              Status = "Kicked"
	Deleted             Status = "Deleted"
)

// Textual bodies sent to clients. Legacy numbering is part of the client contract.
var statusCodes = map[Status]string{
	OK:                  "I:100 | OK",
	Syntax:              "E:101 | Syntax",
	Datatype:            "E:102 | Datatype",
	IDNotFound:          "E:103 | ID not found",
	InternalServerError: "E:104 | Internal",
	RateLimit:           "E:106 | Too many requests",
	TooLarge:            "E:107 | Packet too large",
	TAEnabled:           "I:112 | Trusted Access enabled",
	IDRequired:          "E:116 | Username required",
	Invalid:             "E:118 | Invalid command",
	Blocked:             "E:119 | IP Blocked",
	Disabled:            "E:122 | Command disabled by sysadmin",
	PasswordInvalid:     "I:011 | Invalid Password",
	IDExists:            "I:015 | Account exists",
	TwoFARequired:       "I:016 | 2FA Required",
	Banned:              "E:018 | Account Banned",
	Kicked:              "E:020 | Kicked",
	Deleted:             "E:025 | Account deleted",
}

// Code returns the wire body of the status, unknown names map to the internal error body.
func (s Status) Code() string {
	if code, ok := statusCodes[s]; ok {
		return code
	}
	return statusCodes[InternalServerError]
}

// Known reports whether the status has a wire body.
func (s Status) Known() bool {
	_, ok := statusCodes[s]
	return ok
}

// StatusError is the tagged result of a command handler.
// The dispatcher replies with Status, Err is only logged.
type StatusError struct {
	Status Status
	Err    error
}

// Error is required by the error interface.
func (e StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.Err)
	}
	return string(e.Status)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e StatusError) Unwrap() error {
	return e.Err
}

// WithStatus returns an error replying the given status.
func WithStatus(s Status) error {
	return StatusError{Status: s}
}

// Wrap attaches a status to a cause.
func Wrap(s Status, err error) error {
	return StatusError{Status: s, Err: err}
}

// StatusOf extracts the status from an error chain.
// Errors without a status are internal errors.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	var serr StatusError
	if stderrors.As(err, &serr) {
		return serr.Status
	}
	return InternalServerError
}

// KickError asks the caller to close the socket instead of replying.
type KickError struct {
	Reason string
}

// Error is required by the error interface.
func (e KickError) Error() string {
	return "kick: " + e.Reason
}

// IsKick reports whether err asks for the socket to be closed.
func IsKick(err error) bool {
	var kerr KickError
	return stderrors.As(err, &kerr)
}

// Backend error type discriminators that close the socket.
const RepairModeType = "repairModeEnabled"

// Backend error type -> wire status.
var backendTypes = map[string]Status{
	"accountBanned":       Banned,
	"accountDeleted":      Deleted,
	"badRequest":          Syntax,
	"ipBlocked":           Blocked,
	"registrationBlocked": Blocked,
	"mfaRequired":         TwoFARequired,
	"tooManyRequests":     RateLimit,
	"Unauthorized":        PasswordInvalid,
	"usernameExists":      IDExists,
}

// FromBackendType maps a backend error discriminator to the error a handler returns.
func FromBackendType(kind string) error {
	if kind == RepairModeType {
		return KickError{Reason: kind}
	}
	if status, ok := backendTypes[kind]; ok {
		return StatusError{Status: status, Err: fmt.Errorf("backend error %q", kind)}
	}
	return StatusError{Status: InternalServerError, Err: fmt.Errorf("unmapped backend error %q", kind)}
}
