package dfu

import (
	"context"

	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
	"github.com/rigado/bootloader-tools/internal/firmware"
)

// requestReceipts asks for a packet receipt every receiptInterval packets.
// The bootloader does not answer this request.
func (s *Session) requestReceipts() error {
	interval := protocol.ReceiptRequest(uint16(s.opts.receiptInterval))
	return s.command(protocol.OpRequestReceipt, interval[1:]...)
}

// start announces the component sizes. The response arrives only once the
// start packet has been written.
func (s *Session) start(ctx context.Context, start firmware.StartPacket) error {
	s.log.Info("Starting DFU")
	if err := s.command(protocol.OpStart); err != nil {
		return err
	}
	p := s.expectResponse(protocol.OpStart)
	if err := s.writePacket(start.Bytes()); err != nil {
		return err
	}
	_, err := s.await(ctx, p)
	return err
}

// sendInit transfers the init packet. The response is registered before the
// final chunk since the bootloader answers as soon as it has all of it.
func (s *Session) sendInit(ctx context.Context, init firmware.InitPacket) error {
	s.log.Info("Sending init packet")
	if err := s.command(protocol.OpInit); err != nil {
		return err
	}
	return s.sendFinalAcked(ctx, protocol.OpInit, s.gen.InitChunks(init.Bytes()))
}

// patchInit transfers the patch header.
func (s *Session) patchInit(ctx context.Context, hdr firmware.PatchHeader) error {
	s.log.Infof("Sending patch header (length %d, new crc %08x, old crc %08x)", hdr.Length, hdr.NewCRC, hdr.OldCRC)
	if err := s.command(protocol.OpPatchInit); err != nil {
		return err
	}
	return s.sendFinalAcked(ctx, protocol.OpPatchInit, [][]byte{hdr.Bytes()})
}

// validate asks the bootloader to check the received image.
func (s *Session) validate(ctx context.Context) error {
	s.log.Info("Validating")
	p := s.expectResponse(protocol.OpValidate)
	if err := s.command(protocol.OpValidate); err != nil {
		return err
	}
	_, err := s.await(ctx, p)
	return err
}

// sendFinalAcked writes chunks to the packet characteristic where only the
// last one is answered, by Response(op, Success).
func (s *Session) sendFinalAcked(ctx context.Context, op protocol.OpCode, chunks [][]byte) error {
	for i, chunk := range chunks {
		if i < len(chunks)-1 {
			if err := s.writePacket(chunk); err != nil {
				return err
			}
			continue
		}
		p := s.expectResponse(op)
		if err := s.writePacket(chunk); err != nil {
			return err
		}
		if _, err := s.await(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// finalize writes the closing opcode and disconnects. Activation follows a
// successful update; every other ending resets the bootloader. Only a
// failed activation is reported.
func (s *Session) finalize(activate bool) error {
	if n := s.corr.Reset(); n > 0 {
		s.log.Debugf("dropped %d pending responses", n)
	}
	op := protocol.OpSystemReset
	if activate {
		op = protocol.OpActivateAndReset
		s.log.Info("Activating new firmware")
	} else {
		s.log.Info("Resetting device")
	}

	// The bootloader resets on this opcode, so the link drop that follows
	// is expected.
	s.closing.Store(true)
	err := s.command(op)
	s.close()

	if err != nil {
		if activate {
			return err
		}
		s.log.WithError(err).Debug("reset write")
	}
	return nil
}
