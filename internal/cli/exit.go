package cli

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/rigado/bootloader-tools/internal/firmware"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// UsageError is an invalid invocation: bad flags, arguments or config.
type UsageError struct {
	msg string
}

func (e *UsageError) Error() string { return e.msg }

func usageErrorf(format string, args ...interface{}) error {
	return &UsageError{msg: fmt.Sprintf(format, args...)}
}

// ExitCode maps a command error to the process exit status. Malformed
// packages are invocation errors; they are rejected before any radio
// activity.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var uerr *UsageError
	if errors.As(err, &uerr) {
		return exitUsage
	}
	var perr *firmware.PackageError
	if errors.As(err, &perr) {
		return exitUsage
	}
	return exitFailure
}
