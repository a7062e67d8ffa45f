package protocol

import (
	"bytes"
	"testing"
)

func TestDecodeResponse(t *testing.T) {
	f := Decode([]byte{16, 3, 1})
	resp, ok := f.(*Response)
	if !ok {
		t.Fatalf("Decode returned %T, want *Response", f)
	}
	if resp.Op != OpReceiveFirmwareImage || resp.Status != StatusSuccess {
		t.Errorf("got %v", resp)
	}
	if resp.Extra != nil {
		t.Errorf("Extra = %v, want nil", resp.Extra)
	}
}

func TestDecodeResponseWithMTU(t *testing.T) {
	f := Decode([]byte{16, 13, 1, 0xf7, 0x00})
	resp := f.(*Response)
	mtu, ok := ResponseMTU(resp)
	if !ok || mtu != 247 {
		t.Errorf("ResponseMTU = %d, %v; want 247, true", mtu, ok)
	}
	if _, ok := ResponseMTU(&Response{Op: OpMTURequest, Status: StatusSuccess}); ok {
		t.Error("ResponseMTU without extra bytes should fail")
	}
}

func TestDecodeReceipt(t *testing.T) {
	f := Decode([]byte{17, 0x28, 0x00, 0x00, 0x00})
	rcpt, ok := f.(*Receipt)
	if !ok {
		t.Fatalf("Decode returned %T, want *Receipt", f)
	}
	if rcpt.BytesAcked != 40 {
		t.Errorf("BytesAcked = %d, want 40", rcpt.BytesAcked)
	}
}

func TestDecodeUnrecognized(t *testing.T) {
	for _, raw := range [][]byte{
		nil,
		{16, 3},
		{17, 1, 2},
		{17, 1, 2, 3, 4, 5},
		{42, 1, 1},
	} {
		if _, ok := Decode(raw).(*Unrecognized); !ok {
			t.Errorf("Decode(%v) should be Unrecognized", raw)
		}
	}
}

func TestDecodeCopiesInput(t *testing.T) {
	raw := []byte{16, 13, 1, 0x20, 0x00}
	resp := Decode(raw).(*Response)
	raw[3] = 0xff
	if resp.Extra[0] != 0x20 {
		t.Error("decoded frame aliases the notification buffer")
	}
}

func TestEncodeMatchesWire(t *testing.T) {
	if got := Encode(&Receipt{BytesAcked: 40}); !bytes.Equal(got, []byte{17, 40, 0, 0, 0}) {
		t.Errorf("Encode(Receipt) = %v", got)
	}
	if got := Encode(&Response{Op: OpConfig, Status: StatusSuccess}); !bytes.Equal(got, []byte{16, 9, 1}) {
		t.Errorf("Encode(Response) = %v", got)
	}
}

func TestReceiptRequest(t *testing.T) {
	if got := ReceiptRequest(32); !bytes.Equal(got, []byte{8, 32, 0}) {
		t.Errorf("ReceiptRequest(32) = %v", got)
	}
}

func TestStatusString(t *testing.T) {
	if StatusPatchInputFull.String() != "PatchInputFull" {
		t.Errorf("got %q", StatusPatchInputFull.String())
	}
	if Status(99).String() != "status(99)" {
		t.Errorf("got %q", Status(99).String())
	}
	if OpCode(99).String() != "op(99)" {
		t.Errorf("got %q", OpCode(99).String())
	}
}
