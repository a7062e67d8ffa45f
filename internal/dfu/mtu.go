package dfu

import (
	"context"

	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
)

// packetSizeForMTU derives the packet payload from the MTU reported by the
// bootloader: rounded down to a multiple of 4, never below the default.
// The second result is false when the default was kept.
func packetSizeForMTU(mtu int) (int, bool) {
	if mtu < protocol.DefaultPacketSize {
		return protocol.DefaultPacketSize, false
	}
	return mtu &^ 3, true
}

// negotiateMTU asks the bootloader for its MTU and sizes packets to match.
func (s *Session) negotiateMTU(ctx context.Context) error {
	if !s.gen.SupportsMTU {
		s.log.Warnf("%s bootloader cannot negotiate the MTU, keeping %d byte packets", s.gen, s.packetSize)
		return nil
	}
	p := s.expectResponse(protocol.OpMTURequest)
	if err := s.command(protocol.OpMTURequest); err != nil {
		return err
	}
	f, err := s.await(ctx, p)
	if err != nil {
		return err
	}
	mtu, ok := protocol.ResponseMTU(f.(*protocol.Response))
	if !ok {
		return &ProtocolError{Op: protocol.OpMTURequest, Frame: f, Reason: "response carries no MTU"}
	}
	size, ok := packetSizeForMTU(int(mtu))
	if !ok {
		s.log.Warnf("Reported MTU %d is below %d, keeping %d byte packets", mtu, protocol.DefaultPacketSize, size)
	} else {
		s.log.Infof("MTU %d, using %d byte packets", mtu, size)
	}
	s.packetSize = size
	return nil
}
