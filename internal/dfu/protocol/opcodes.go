// Package protocol defines the RigDFU control point wire format: opcodes,
// status codes, notification frames and the per-generation GATT layout.
package protocol

import "fmt"

// OpCode is the first byte of every control point write.
type OpCode byte

const (
	OpStart                OpCode = 1
	OpInit                 OpCode = 2
	OpReceiveFirmwareImage OpCode = 3
	OpValidate             OpCode = 4
	OpActivateAndReset     OpCode = 5
	OpSystemReset          OpCode = 6
	OpRequestReceipt       OpCode = 8
	OpConfig               OpCode = 9
	OpPatchInit            OpCode = 10
	OpReceivePatchImage    OpCode = 11
	OpMTURequest           OpCode = 13
	OpResponse             OpCode = 16
	OpPacketReceipt        OpCode = 17
)

var opNames = map[OpCode]string{
	OpStart:                "Start",
	OpInit:                 "Init",
	OpReceiveFirmwareImage: "ReceiveFirmwareImage",
	OpValidate:             "Validate",
	OpActivateAndReset:     "ActivateAndReset",
	OpSystemReset:          "SystemReset",
	OpRequestReceipt:       "RequestPacketReceipt",
	OpConfig:               "Config",
	OpPatchInit:            "PatchInit",
	OpReceivePatchImage:    "ReceivePatchImage",
	OpMTURequest:           "MTURequest",
	OpResponse:             "Response",
	OpPacketReceipt:        "PacketReceipt",
}

func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

// Status is the result code carried in a Response frame.
type Status byte

const (
	StatusSuccess         Status = 1
	StatusInvalidState    Status = 2
	StatusNotSupported    Status = 3
	StatusSizeExceeded    Status = 4
	StatusCRCError        Status = 5
	StatusOperationFailed Status = 6
	StatusMoreDataNeeded  Status = 7
	StatusPatchInputFull  Status = 8
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusInvalidState:
		return "InvalidState"
	case StatusNotSupported:
		return "NotSupported"
	case StatusSizeExceeded:
		return "SizeExceeded"
	case StatusCRCError:
		return "CrcError"
	case StatusOperationFailed:
		return "OperationFailed"
	case StatusMoreDataNeeded:
		return "MoreDataNeeded"
	case StatusPatchInputFull:
		return "PatchInputFull"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}
