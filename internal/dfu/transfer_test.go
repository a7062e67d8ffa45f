package dfu

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
)

func newTestSession(t *testing.T, p *fakePeripheral, opts sessionOptions) *Session {
	t.Helper()
	if opts.responseTimeout == 0 {
		opts.responseTimeout = 2 * time.Second
	}
	s := newSession(p, opts, log.NewEntry(log.StandardLogger()))
	require.NoError(t, s.resolve(context.Background(), p.gen, time.Second))
	require.NoError(t, s.enableNotifications())
	return s
}

func TestSendImageReceiptSchedule(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.imageLen = 100
	s := newTestSession(t, p, sessionOptions{packetSize: 20, receiptInterval: 2})
	require.NoError(t, s.requestReceipts())

	var acked []int
	st, err := s.sendImage(context.Background(), make([]byte, 100), func(st TransferState) {
		acked = append(acked, st.BytesAcked)
	})
	require.NoError(t, err)

	// Receipts after blocks 2 and 4, the final response after block 5,
	// nothing after blocks 1 and 3.
	assert.Equal(t, []int{0, 40, 40, 80, 100}, acked)
	assert.Equal(t, TransferState{Block: 5, TotalBlocks: 5, BytesSent: 100, BytesAcked: 100}, st)
	assert.Equal(t, 0, s.corr.Pending())
	assert.Len(t, p.packets(), 5)
}

func TestSendImageFinalBlockWinsOverReceipt(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.imageLen = 100
	s := newTestSession(t, p, sessionOptions{packetSize: 20, receiptInterval: 5})
	require.NoError(t, s.requestReceipts())

	st, err := s.sendImage(context.Background(), make([]byte, 100), nil)
	require.NoError(t, err)
	assert.Equal(t, 100, st.BytesAcked)
	assert.Equal(t, 0, s.corr.Pending())
}

func TestSendImageShortTail(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.imageLen = 44
	s := newTestSession(t, p, sessionOptions{packetSize: 20})

	st, err := s.sendImage(context.Background(), make([]byte, 44), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalBlocks)
	pk := p.packets()
	require.Len(t, pk, 3)
	assert.Len(t, pk[2], 4)
}

func TestSendImageFinalResponseTimeout(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.imageLen = 40
	p.silentOn = protocol.OpReceiveFirmwareImage
	s := newTestSession(t, p, sessionOptions{packetSize: 20, receiptInterval: 1, responseTimeout: 50 * time.Millisecond})
	require.NoError(t, s.requestReceipts())

	_, err := s.sendImage(context.Background(), make([]byte, 40), nil)
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "response to ReceiveFirmwareImage", terr.Stage)
}

func TestSendImageUnexpectedFrame(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.imageLen = 100 // the peripheral sends receipts where the final response belongs
	s := newTestSession(t, p, sessionOptions{packetSize: 20, receiptInterval: 1})
	require.NoError(t, s.requestReceipts())

	_, err := s.sendImage(context.Background(), make([]byte, 40), nil)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.IsType(t, &protocol.Receipt{}, perr.Frame)
}

func TestExpectResponseRejectsFailureStatus(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	s := newTestSession(t, p, sessionOptions{})

	pend := s.expectResponse(protocol.OpValidate)
	s.corr.Dispatch(&protocol.Response{Op: protocol.OpValidate, Status: protocol.StatusCRCError})
	f, err := s.await(context.Background(), pend)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, f, perr.Frame)
	assert.Contains(t, err.Error(), "CrcError")

	pend = s.expectResponse(protocol.OpStart)
	s.corr.Dispatch(&protocol.Unrecognized{Raw: []byte{1, 2}})
	_, err = s.await(context.Background(), pend)
	require.ErrorAs(t, err, &perr)
	assert.IsType(t, &protocol.Unrecognized{}, perr.Frame)
}

func TestPacketSizeForMTU(t *testing.T) {
	tests := []struct {
		mtu      int
		want     int
		accepted bool
	}{
		{23, 20, true},
		{18, 20, false},
		{20, 20, true},
		{247, 244, true},
		{0, 20, false},
	}
	for _, tt := range tests {
		got, ok := packetSizeForMTU(tt.mtu)
		assert.Equal(t, tt.want, got, "mtu %d", tt.mtu)
		assert.Equal(t, tt.accepted, ok, "mtu %d", tt.mtu)
	}
}

func TestNegotiateMTU(t *testing.T) {
	for _, tt := range []struct {
		mtu  uint16
		want int
	}{{23, 20}, {18, 20}, {158, 156}} {
		p := newFakePeripheral(protocol.Current)
		p.mtu = tt.mtu
		s := newTestSession(t, p, sessionOptions{})
		require.NoError(t, s.negotiateMTU(context.Background()))
		assert.Equal(t, tt.want, s.PacketSize(), "mtu %d", tt.mtu)
	}
}

func TestNegotiateMTUSkippedOnLegacy(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	s := newTestSession(t, p, sessionOptions{})
	require.NoError(t, s.negotiateMTU(context.Background()))
	assert.Equal(t, 20, s.PacketSize())
	assert.Empty(t, p.controlOps())
}

func TestSendPatchFinalMoreDataNeeded(t *testing.T) {
	p := newFakePeripheral(protocol.Current)
	p.patchStatus = func(int) protocol.Status { return protocol.StatusMoreDataNeeded }
	s := newTestSession(t, p, sessionOptions{packetSize: 20})

	st, err := s.sendPatch(context.Background(), make([]byte, 60), nil)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.OpReceivePatchImage, perr.Op)
	assert.Equal(t, 3, st.Block)
}

func TestSendPatchEarlySuccess(t *testing.T) {
	p := newFakePeripheral(protocol.Current)
	p.patchStatus = func(block int) protocol.Status {
		if block == 2 {
			return protocol.StatusSuccess
		}
		return protocol.StatusMoreDataNeeded
	}
	s := newTestSession(t, p, sessionOptions{packetSize: 20})

	st, err := s.sendPatch(context.Background(), make([]byte, 60), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Block)
	assert.Equal(t, 40, st.BytesAcked)
	assert.Len(t, p.packets(), 2)
}

func TestSendPatchInputFullFailsFast(t *testing.T) {
	p := newFakePeripheral(protocol.Current)
	p.patchStatus = func(int) protocol.Status { return protocol.StatusPatchInputFull }
	s := newTestSession(t, p, sessionOptions{packetSize: 20})

	_, err := s.sendPatch(context.Background(), make([]byte, 60), nil)
	assert.ErrorIs(t, err, ErrPatchInputFull)
	assert.Len(t, p.packets(), 1)
}

func TestSendPatchInputFullRetries(t *testing.T) {
	p := newFakePeripheral(protocol.Current)
	p.patchLen = 40
	p.patchStatus = func(block int) protocol.Status {
		switch block {
		case 1, 2:
			return protocol.StatusPatchInputFull
		case 3:
			return protocol.StatusMoreDataNeeded
		default:
			return protocol.StatusSuccess
		}
	}
	s := newTestSession(t, p, sessionOptions{packetSize: 20, patchRetryMax: 2, patchRetryDelay: time.Millisecond})

	st, err := s.sendPatch(context.Background(), make([]byte, 40), nil)
	require.NoError(t, err)
	assert.Equal(t, 40, st.BytesSent)
	assert.Len(t, p.packets(), 4, "first block is sent three times")
}

func TestDisconnectUnblocksAwait(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	s := newTestSession(t, p, sessionOptions{responseTimeout: time.Minute})

	pend := s.expectResponse(protocol.OpValidate)
	go p.dropLink()
	_, err := s.await(context.Background(), pend)
	assert.ErrorIs(t, err, ErrFatalDisconnect)
	assert.True(t, s.isLost())
	assert.ErrorIs(t, s.command(protocol.OpSystemReset), ErrFatalDisconnect)
}
