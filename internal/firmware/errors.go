package firmware

import "fmt"

// ErrorKind classifies a package validation failure.
type ErrorKind int

const (
	Truncated ErrorKind = iota + 1
	EmptyImage
	MisalignedSize
	ExclusivityViolation
	LengthMismatch
	MissingCrc
)

func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case EmptyImage:
		return "empty image"
	case MisalignedSize:
		return "misaligned size"
	case ExclusivityViolation:
		return "application must be updated alone"
	case LengthMismatch:
		return "length mismatch"
	case MissingCrc:
		return "missing crc"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PackageError reports a firmware package that violates the package
// invariants. It is always raised before any radio activity.
type PackageError struct {
	Kind  ErrorKind
	Field string
	Got   uint64
	Want  uint64
}

func (e *PackageError) Error() string {
	switch e.Kind {
	case Truncated:
		return fmt.Sprintf("firmware: %s: %s section needs %d bytes, have %d", e.Kind, e.Field, e.Want, e.Got)
	case MisalignedSize:
		return fmt.Sprintf("firmware: %s: %s size %d is not a multiple of 4", e.Kind, e.Field, e.Got)
	case LengthMismatch:
		return fmt.Sprintf("firmware: %s: %s expects %d bytes, image has %d", e.Kind, e.Field, e.Want, e.Got)
	default:
		return fmt.Sprintf("firmware: %s (%s)", e.Kind, e.Field)
	}
}

// Is lets errors.Is match on the kind alone: errors.Is(err, &PackageError{Kind: EmptyImage}).
func (e *PackageError) Is(target error) bool {
	t, ok := target.(*PackageError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Field == "" || t.Field == e.Field)
}
