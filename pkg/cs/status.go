package cs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is a CS status code. HCI error codes are reused verbatim; codes
// from 0xA0 upward are controller-internal and have no HCI equivalent.
type Status byte

// HCI error codes [Vol 1, Part F, 1.3].
const (
	StatusSuccess              Status = 0x00
	StatusInactiveConnection   Status = 0x02 // Unknown Connection Identifier
	StatusInsufficientMemory   Status = 0x07 // Memory Capacity Exceeded
	StatusCommandDisallowed    Status = 0x0C
	StatusLimitedResources     Status = 0x0D
	StatusUnexpectedParameter  Status = 0x12 // Invalid HCI Command Parameters
	StatusFeatureNotSupported  Status = 0x1A // Unsupported Remote Feature
	StatusInvalidLLParam       Status = 0x1E
	StatusUnspecifiedError     Status = 0x1F
	StatusLLResponseTimeout    Status = 0x22
	StatusInsufficientSecurity Status = 0x2F
)

// Controller-internal codes.
const (
	StatusInvalidConnPtr       Status = 0xA0
	StatusInvalidBuffer        Status = 0xA1
	StatusConnectionTerminated Status = 0xA2
	StatusInvalidCHM           Status = 0xA3
	StatusProcedureInProgress  Status = 0xA4
	StatusRCLSubmitError       Status = 0xA5
	StatusRCLResultError       Status = 0xA6
	StatusDRBGInitFail         Status = 0xA7
	StatusConfigEnabled        Status = 0xA8
	StatusInvalidChanIdx       Status = 0xA9
	StatusInvalidStepMode      Status = 0xAA
	StatusInvokeFuncFail       Status = 0xAB
)

var statusName = map[Status]string{
	StatusSuccess:              "success",
	StatusInactiveConnection:   "inactive connection",
	StatusInsufficientMemory:   "insufficient memory",
	StatusCommandDisallowed:    "command disallowed",
	StatusLimitedResources:     "limited resources",
	StatusUnexpectedParameter:  "unexpected parameter",
	StatusFeatureNotSupported:  "feature not supported",
	StatusInvalidLLParam:       "invalid LL parameters",
	StatusUnspecifiedError:     "unspecified error",
	StatusLLResponseTimeout:    "LL response timeout",
	StatusInsufficientSecurity: "insufficient security",
	StatusInvalidConnPtr:       "invalid connection",
	StatusInvalidBuffer:        "invalid buffer",
	StatusConnectionTerminated: "connection terminated",
	StatusInvalidCHM:           "invalid channel map",
	StatusProcedureInProgress:  "procedure in progress",
	StatusRCLSubmitError:       "radio command submission failed",
	StatusRCLResultError:       "radio command returned an error",
	StatusDRBGInitFail:         "DRBG initialization failed",
	StatusConfigEnabled:        "configuration enabled",
	StatusInvalidChanIdx:       "invalid channel index",
	StatusInvalidStepMode:      "invalid step mode",
	StatusInvokeFuncFail:       "function invocation failed",
}

func (s Status) Error() string {
	if name, ok := statusName[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown status 0x%02X", byte(s))
}

// IsInternal reports whether s is a controller-internal code.
func (s Status) IsInternal() bool { return s >= 0xA0 }

// HCI maps an internal code onto the closest HCI error code for reporting
// to the host. HCI codes are returned unchanged.
func (s Status) HCI() Status {
	switch s {
	case StatusInvalidConnPtr, StatusConnectionTerminated:
		return StatusInactiveConnection
	case StatusInvalidCHM, StatusInvalidChanIdx, StatusInvalidStepMode:
		return StatusUnexpectedParameter
	case StatusProcedureInProgress, StatusConfigEnabled:
		return StatusCommandDisallowed
	case StatusInvalidBuffer:
		return StatusInsufficientMemory
	}
	if s.IsInternal() {
		return StatusUnspecifiedError
	}
	return s
}

// StatusOf extracts the Status carried by err. A nil error is
// StatusSuccess; errors that carry no Status are StatusUnspecifiedError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	if s, ok := errors.Cause(err).(Status); ok {
		return s
	}
	return StatusUnspecifiedError
}
