package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Frame is a decoded control point notification. It is one of
// *Response, *Receipt or *Unrecognized.
type Frame interface {
	fmt.Stringer
	frame()
}

// Response answers a control point request: [16, op, status, extra...].
type Response struct {
	Op     OpCode
	Status Status
	Extra  []byte
}

// Receipt is a packet receipt notification: [17, u32 LE bytes received].
type Receipt struct {
	BytesAcked uint32
}

// Unrecognized holds any notification that is neither a Response nor a
// well formed Receipt.
type Unrecognized struct {
	Raw []byte
}

func (*Response) frame()     {}
func (*Receipt) frame()      {}
func (*Unrecognized) frame() {}

func (r *Response) String() string {
	if len(r.Extra) > 0 {
		return fmt.Sprintf("Response(%s, %s, %s)", r.Op, r.Status, hex.EncodeToString(r.Extra))
	}
	return fmt.Sprintf("Response(%s, %s)", r.Op, r.Status)
}

func (r *Receipt) String() string {
	return fmt.Sprintf("PacketReceipt(%d)", r.BytesAcked)
}

func (u *Unrecognized) String() string {
	return fmt.Sprintf("Unrecognized(%s)", hex.EncodeToString(u.Raw))
}

// Decode classifies a raw notification. It never fails; malformed frames
// come back as *Unrecognized.
func Decode(data []byte) Frame {
	raw := append([]byte(nil), data...)
	if len(raw) == 0 {
		return &Unrecognized{Raw: raw}
	}
	switch OpCode(raw[0]) {
	case OpResponse:
		if len(raw) < 3 {
			return &Unrecognized{Raw: raw}
		}
		resp := &Response{Op: OpCode(raw[1]), Status: Status(raw[2])}
		if len(raw) > 3 {
			resp.Extra = raw[3:]
		}
		return resp
	case OpPacketReceipt:
		if len(raw) != 5 {
			return &Unrecognized{Raw: raw}
		}
		return &Receipt{BytesAcked: binary.LittleEndian.Uint32(raw[1:])}
	default:
		return &Unrecognized{Raw: raw}
	}
}

// Encode returns the wire form of a frame. Peripheral emulators use it.
func Encode(f Frame) []byte {
	switch f := f.(type) {
	case *Response:
		return append([]byte{byte(OpResponse), byte(f.Op), byte(f.Status)}, f.Extra...)
	case *Receipt:
		b := []byte{byte(OpPacketReceipt), 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(b[1:], f.BytesAcked)
		return b
	case *Unrecognized:
		return append([]byte(nil), f.Raw...)
	default:
		return nil
	}
}

// ReceiptRequest builds the control write enabling a receipt every
// interval packets. Zero disables receipts.
func ReceiptRequest(interval uint16) []byte {
	b := []byte{byte(OpRequestReceipt), 0, 0}
	binary.LittleEndian.PutUint16(b[1:], interval)
	return b
}

// ResponseMTU extracts the MTU carried by a Response to OpMTURequest.
func ResponseMTU(r *Response) (uint16, bool) {
	if len(r.Extra) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(r.Extra), true
}
