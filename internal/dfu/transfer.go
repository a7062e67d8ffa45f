package dfu

import (
	"context"
	"time"

	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
)

// TransferState tracks one image transfer. BytesSent counts every byte
// handed to the packet characteristic; BytesAcked only what the bootloader
// has confirmed.
type TransferState struct {
	Block       int
	TotalBlocks int
	BytesSent   int
	BytesAcked  int
}

// sendImage streams a full image. The last block is answered by
// Response(ReceiveFirmwareImage, Success), every receiptInterval-th block
// by a packet receipt, and all other blocks go unanswered.
func (s *Session) sendImage(ctx context.Context, image []byte, report func(TransferState)) (TransferState, error) {
	if err := s.command(protocol.OpReceiveFirmwareImage); err != nil {
		return TransferState{}, err
	}

	chunks := protocol.Chunks(image, s.packetSize)
	st := TransferState{TotalBlocks: len(chunks)}
	interval := s.opts.receiptInterval
	s.log.Infof("Transferring %d bytes in %d packets", len(image), st.TotalBlocks)

	for i, chunk := range chunks {
		st.Block = i + 1
		complete := i+1 == st.TotalBlocks
		notify := interval > 0 && (i+1)%interval == 0

		var p *pending
		switch {
		case complete:
			p = s.expectResponse(protocol.OpReceiveFirmwareImage)
		case notify:
			p = s.expectReceipt()
		}

		st.BytesSent += len(chunk)
		if err := s.writePacket(chunk); err != nil {
			return st, err
		}

		if p != nil {
			f, err := s.await(ctx, p)
			if err != nil {
				return st, err
			}
			if complete {
				st.BytesAcked = st.BytesSent
			} else {
				st.BytesAcked = int(f.(*protocol.Receipt).BytesAcked)
			}
		}
		if report != nil {
			report(st)
		}
	}
	return st, nil
}

// sendPatch streams a patch image. Every block is answered: MoreDataNeeded
// asks for the next one, Success ends the transfer (possibly early) and
// PatchInputFull asks for the same block again later.
func (s *Session) sendPatch(ctx context.Context, image []byte, report func(TransferState)) (TransferState, error) {
	if err := s.command(protocol.OpReceivePatchImage); err != nil {
		return TransferState{}, err
	}

	chunks := protocol.Chunks(image, s.packetSize)
	st := TransferState{TotalBlocks: len(chunks)}
	s.log.Infof("Transferring %d byte patch in %d packets", len(image), st.TotalBlocks)

	retries := 0
	for i := 0; i < len(chunks); {
		chunk := chunks[i]
		st.Block = i + 1
		final := i+1 == st.TotalBlocks

		p := s.expectStatus(protocol.OpReceivePatchImage)
		st.BytesSent += len(chunk)
		if err := s.writePacket(chunk); err != nil {
			return st, err
		}
		f, err := s.await(ctx, p)
		if err != nil {
			return st, err
		}

		resp := f.(*protocol.Response)
		switch resp.Status {
		case protocol.StatusMoreDataNeeded:
			if final {
				return st, &ProtocolError{Op: protocol.OpReceivePatchImage, Frame: f,
					Reason: "bootloader expects more data than the patch holds"}
			}
			st.BytesAcked = st.BytesSent
			retries = 0
			i++
		case protocol.StatusSuccess:
			st.BytesAcked = st.BytesSent
			if !final {
				s.log.Infof("Bootloader finished the patch after %d of %d packets", st.Block, st.TotalBlocks)
			}
			if report != nil {
				report(st)
			}
			return st, nil
		case protocol.StatusPatchInputFull:
			st.BytesSent -= len(chunk)
			if retries >= s.opts.patchRetryMax {
				return st, &ProtocolError{Op: protocol.OpReceivePatchImage, Frame: f,
					Reason: "patch input full", Err: ErrPatchInputFull}
			}
			retries++
			s.log.Debugf("patch input full, resending packet %d (retry %d/%d)", st.Block, retries, s.opts.patchRetryMax)
			select {
			case <-time.After(s.opts.patchRetryDelay):
			case <-s.lost:
				return st, ErrFatalDisconnect
			case <-ctx.Done():
				return st, ctx.Err()
			}
			continue
		default:
			return st, &ProtocolError{Op: protocol.OpReceivePatchImage, Frame: f, Reason: "request failed"}
		}
		if report != nil {
			report(st)
		}
	}
	return st, nil
}
