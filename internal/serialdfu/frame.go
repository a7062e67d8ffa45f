// Package serialdfu updates a RigDFU bootloader over a UART.
//
// Every command is framed as [0xAA, len, op, data...] where len counts the
// opcode plus one and the data bytes 0xAA and 0xAB are escaped. The
// bootloader answers each command with a five byte frame
// [0xAA, 4, Response, op, status].
package serialdfu

import (
	"github.com/pkg/errors"

	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
)

const (
	frameStart  = 0xAA
	frameEscape = 0xAB

	// MaxFrameData is the largest payload a single frame carries.
	MaxFrameData = 253

	responseSize = 5
)

// EncodeFrame builds the wire form of a command.
func EncodeFrame(op protocol.OpCode, data []byte) ([]byte, error) {
	if len(data) > MaxFrameData {
		return nil, errors.Errorf("serialdfu: %d bytes exceed the %d byte frame limit", len(data), MaxFrameData)
	}
	out := make([]byte, 0, 3+2*len(data))
	out = append(out, frameStart, byte(len(data)+2), byte(op))
	for _, b := range data {
		switch b {
		case frameStart:
			out = append(out, frameEscape, 0xAC)
		case frameEscape:
			out = append(out, frameEscape, frameEscape)
		default:
			out = append(out, b)
		}
	}
	return out, nil
}

// unescaper undoes the escaping one byte at a time.
type unescaper struct {
	escaped bool
}

// feed returns the decoded byte and whether one was produced.
func (u *unescaper) feed(b byte) (byte, bool, error) {
	if u.escaped {
		u.escaped = false
		switch b {
		case frameEscape:
			return frameEscape, true, nil
		case 0xAC:
			return frameStart, true, nil
		default:
			return 0, false, errors.Errorf("serialdfu: illegal escaped byte %#02x", b)
		}
	}
	if b == frameEscape {
		u.escaped = true
		return 0, false, nil
	}
	return b, true, nil
}

// decodeResponse checks the frame header and hands the body to the shared
// control point decoder.
func decodeResponse(raw []byte) (*protocol.Response, error) {
	if len(raw) != responseSize || raw[0] != frameStart {
		return nil, errors.Errorf("serialdfu: malformed response % x", raw)
	}
	if raw[1] != responseSize-1 {
		return nil, errors.Errorf("serialdfu: unexpected response length %d", raw[1])
	}
	resp, ok := protocol.Decode(raw[2:]).(*protocol.Response)
	if !ok {
		return nil, errors.Errorf("serialdfu: unexpected response opcode %#02x", raw[2])
	}
	return resp, nil
}
