package dfu

import (
	"context"

	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
)

// configure rewrites the bootloader key and/or MAC address. Only the last
// chunk of the configuration frame is answered.
func (s *Session) configure(ctx context.Context, payload protocol.ConfigPayload) error {
	s.log.Info("Writing bootloader configuration")
	if err := s.command(protocol.OpConfig); err != nil {
		return err
	}
	return s.sendFinalAcked(ctx, protocol.OpConfig, s.gen.ConfigChunks(payload))
}
