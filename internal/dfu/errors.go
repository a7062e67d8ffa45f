package dfu

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
)

var (
	// ErrFatalDisconnect means the link dropped while an exchange was in
	// progress. No finalization opcode is written after it.
	ErrFatalDisconnect = errors.New("dfu: device disconnected unexpectedly")

	// ErrPatchInputFull means the peripheral kept reporting a saturated
	// patch buffer after every allowed retry.
	ErrPatchInputFull = errors.New("dfu: peripheral patch input buffer full")

	// ErrNoDevice means scanning ended without a matching bootloader.
	ErrNoDevice = errors.New("dfu: no matching DFU device found")
)

// TransportError wraps a failure reported by the BLE central.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dfu: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a notification that does not match the exchange
// in progress. Frame is the raw notification, nil when the failure was
// detected locally.
type ProtocolError struct {
	Op     protocol.OpCode
	Frame  protocol.Frame
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("dfu: %s: %s", e.Op, e.Reason)
	if e.Frame != nil {
		msg += fmt.Sprintf(" (got %v)", e.Frame)
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError reports a stage that did not complete in time.
type TimeoutError struct {
	Stage string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dfu: %s timed out after %v", e.Stage, e.After)
}
