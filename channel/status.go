package channel

import (
	"errors"
	"fmt"
)

// Status is the NTSTATUS-style result of a command. Negative
// values indicate failure.
type Status int64

const (
	StatusSuccess Status = 0

	// StatusPartialCopy (0x8000000D) is a warning, but it is still
	// treated as a failure since the transfer did not complete.
	StatusPartialCopy Status = -0x7ffffff3

	StatusUnsuccessful     Status = -0x3fffffff // 0xC0000001
	StatusNotImplemented   Status = -0x3ffffffe // 0xC0000002
	StatusAccessViolation  Status = -0x3ffffffb // 0xC0000005
	StatusInvalidParameter Status = -0x3ffffff3 // 0xC000000D
	StatusNotFound         Status = -0x3ffffddb // 0xC0000225

	// StatusPrimitiveUnavailable (0xE0000001) is returned without
	// dispatching anything when the channel's dispatcher could not
	// be resolved.
	StatusPrimitiveUnavailable Status = -0x1fffffff
)

// ErrPrimitiveUnavailable means the dispatcher behind a Channel could
// not be resolved. It is terminal for the Channel.
var ErrPrimitiveUnavailable = errors.New("execution primitive is unavailable")

// IsSuccess mirrors NT_SUCCESS.
func (o Status) IsSuccess() bool {
	return o >= 0
}

// Code returns the 32-bit NTSTATUS value.
func (o Status) Code() uint32 {
	return uint32(o)
}

func (o Status) String() string {
	switch o {
	case StatusSuccess:
		return "success"
	case StatusPartialCopy:
		return "partial copy"
	case StatusUnsuccessful:
		return "unsuccessful"
	case StatusNotImplemented:
		return "not implemented"
	case StatusAccessViolation:
		return "access violation"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusNotFound:
		return "not found"
	case StatusPrimitiveUnavailable:
		return "primitive unavailable"
	default:
		return fmt.Sprintf("status 0x%08x", o.Code())
	}
}

// StatusError is returned by the typed wrappers when a command fails.
type StatusError struct {
	Op     Opcode
	Status Status
}

func (o *StatusError) Error() string {
	return fmt.Sprintf("%s failed with %s (0x%08x)", o.Op, o.Status, o.Status.Code())
}

func (o *StatusError) Is(target error) bool {
	return target == ErrPrimitiveUnavailable && o.Status == StatusPrimitiveUnavailable
}

// Err returns nil if the status indicates success, and a
// *StatusError otherwise.
func (o Status) Err(op Opcode) error {
	if o.IsSuccess() {
		return nil
	}

	return &StatusError{Op: op, Status: o}
}
