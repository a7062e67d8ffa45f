package dfu

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigado/bootloader-tools/internal/ble"
	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
	"github.com/rigado/bootloader-tools/internal/firmware"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Connect = ble.ConnectOptions{Tries: 1}
	opts.ScanTimeout = 200 * time.Millisecond
	opts.ResponseTimeout = 2 * time.Second
	return opts
}

func appPackage(t *testing.T, size int) *firmware.Package {
	t.Helper()
	pkg, err := firmware.Build(nil, nil, bytes.Repeat([]byte{0xa5}, size))
	require.NoError(t, err)
	return pkg
}

func bootloaderPackage(t *testing.T) *firmware.Package {
	t.Helper()
	pkg, err := firmware.Build(make([]byte, 40), make([]byte, 20), nil)
	require.NoError(t, err)
	return pkg
}

func patchPackage(t *testing.T, size int) *firmware.Package {
	t.Helper()
	src := &firmware.Package{
		Start: firmware.StartPacket{Application: 4096},
		Patch: &firmware.PatchHeader{Length: uint32(size), NewCRC: 0xdeadbeef, OldCRC: 0xfeedface},
		Image: bytes.Repeat([]byte{0x3c}, size),
	}
	pkg, err := firmware.Parse(src.Bytes())
	require.NoError(t, err)
	return pkg
}

func ops(codes ...protocol.OpCode) []protocol.OpCode { return codes }

func TestRunFullUpdateActivates(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	opts := testOptions()
	opts.PacketReceiptInterval = 2
	var progress []Progress
	opts.Progress = func(pr Progress) { progress = append(progress, pr) }

	u := NewUpdater(p, opts)
	outcome, err := u.Run(context.Background(), Intent{Mode: ModeUpdate, Package: appPackage(t, 100)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	assert.Equal(t, ops(
		protocol.OpRequestReceipt,
		protocol.OpStart,
		protocol.OpInit,
		protocol.OpReceiveFirmwareImage,
		protocol.OpValidate,
		protocol.OpActivateAndReset,
	), p.controlOps())

	pk := p.packets()
	require.Len(t, pk, 1+2+5, "start packet, two init chunks, five image blocks")
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 100, 0, 0, 0}, pk[0])
	assert.Len(t, pk[1], 16)
	assert.Len(t, pk[2], 16)

	require.Len(t, progress, 5)
	assert.Equal(t, "image", progress[4].Phase)
	assert.Equal(t, 100, progress[4].BytesAcked)
	assert.Equal(t, StateClosed, u.State())
	assert.True(t, p.disconnected)
}

func TestRunValidateFailureResets(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.validateStatus = protocol.StatusCRCError

	outcome, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeUpdate, Package: appPackage(t, 40)})
	assert.Equal(t, OutcomeFailed, outcome)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.OpValidate, perr.Op)

	got := p.controlOps()
	assert.Equal(t, protocol.OpSystemReset, got[len(got)-1])
	assert.NotContains(t, got, protocol.OpActivateAndReset)
	assert.True(t, p.disconnected)
}

func TestRunDisconnectDuringTransferIsFatal(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.dropAtPacket = 3

	u := NewUpdater(p, testOptions())
	outcome, err := u.Run(context.Background(), Intent{Mode: ModeUpdate, Package: appPackage(t, 100)})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrFatalDisconnect)

	assert.Empty(t, p.controlOpsAfterDrop(), "no control write may follow the link loss")
	assert.Equal(t, ops(protocol.OpRequestReceipt, protocol.OpStart, protocol.OpInit, protocol.OpReceiveFirmwareImage), p.controlOps())
	assert.Equal(t, StateClosed, u.State())
}

func TestRunCancelledResets(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.silentOn = protocol.OpValidate
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.onWrite = func(op protocol.OpCode) {
		if op == protocol.OpValidate {
			cancel()
		}
	}

	outcome, err := NewUpdater(p, testOptions()).Run(ctx, Intent{Mode: ModeUpdate, Package: appPackage(t, 40)})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, context.Canceled)

	got := p.controlOps()
	assert.Equal(t, protocol.OpSystemReset, got[len(got)-1])
	assert.NotContains(t, got, protocol.OpActivateAndReset)
	assert.True(t, p.disconnected)
}

func TestRunActivateWriteFailure(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.failOn = protocol.OpActivateAndReset

	outcome, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeUpdate, Package: appPackage(t, 40)})
	assert.Equal(t, OutcomeFailed, outcome)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "write ActivateAndReset", terr.Op)

	got := p.controlOps()
	assert.Equal(t, protocol.OpActivateAndReset, got[len(got)-1])
	assert.True(t, p.disconnected)
}

func TestRunSubscribeFailure(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.subscribeErr = errors.New("cccd write rejected")

	outcome, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeUpdate, Package: appPackage(t, 40)})
	assert.Equal(t, OutcomeFailed, outcome)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "enable notifications", terr.Op)
	assert.Empty(t, p.controlOps(), "no reset without notifications")
	assert.True(t, p.disconnected)
}

func TestRunRevisionReadErrorContinues(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	p := newFakePeripheral(protocol.Legacy)
	p.revision = "2.0.1"
	p.readErr = errors.New("att: read not permitted")
	opts := testOptions()
	opts.IncompatibleRevisions = []string{"2.0.1"}

	outcome, err := NewUpdater(p, opts).Run(context.Background(), Intent{Mode: ModeUpdate, Package: bootloaderPackage(t)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Message == "reading firmware revision" {
			warned = true
		}
	}
	assert.True(t, warned, "read failure is logged")
}

func TestRunMissingPacketCharacteristic(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.missingPacket = true

	outcome, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeTest})
	assert.Equal(t, OutcomeFailed, outcome)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not expose")
	assert.Empty(t, p.controlOps())
	assert.True(t, p.disconnected)
}

func TestRunResponseTimeoutResets(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.silentOn = protocol.OpValidate
	opts := testOptions()
	opts.ResponseTimeout = 50 * time.Millisecond

	_, err := NewUpdater(p, opts).Run(context.Background(), Intent{Mode: ModeUpdate, Package: appPackage(t, 20)})
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)

	got := p.controlOps()
	assert.Equal(t, protocol.OpSystemReset, got[len(got)-1])
}

func TestRunConfigureLegacy(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	var payload protocol.ConfigPayload
	payload.NewKey[0] = 0x42
	copy(payload.NewMAC[:], []byte{1, 2, 3, 4, 5, 6})

	outcome, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeConfigure, Config: payload})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfigured, outcome)

	assert.Equal(t, ops(protocol.OpConfig, protocol.OpSystemReset), p.controlOps())
	pk := p.packets()
	require.Len(t, pk, 3)
	for _, c := range pk {
		assert.Len(t, c, 16)
	}
	assert.Equal(t, payload.Bytes(), p.configFrame)
}

func TestRunConfigureCurrent(t *testing.T) {
	p := newFakePeripheral(protocol.Current)
	var payload protocol.ConfigPayload
	payload.OldKey[15] = 0x01

	_, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeConfigure, Config: payload})
	require.NoError(t, err)
	assert.Len(t, p.packets(), 5)
	assert.Equal(t, protocol.Current.ConfigFrame(payload), p.configFrame)
}

func TestRunTestMode(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)

	u := NewUpdater(p, testOptions())
	outcome, err := u.Run(context.Background(), Intent{Mode: ModeTest})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTested, outcome)
	assert.Empty(t, p.controlOps())
	assert.True(t, p.disconnected)
	assert.Equal(t, StateClosed, u.State())
}

func TestRunIncompatibleRevisionSkips(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.revision = "2.0.1"
	opts := testOptions()
	opts.IncompatibleRevisions = []string{"1.9.0", "2.0.1"}

	outcome, err := NewUpdater(p, opts).Run(context.Background(), Intent{Mode: ModeUpdate, Package: bootloaderPackage(t)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, p.controlOps())
	assert.True(t, p.disconnected)
}

func TestRunApplicationIgnoresRevision(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.revision = "2.0.1"
	opts := testOptions()
	opts.IncompatibleRevisions = []string{"2.0.1"}

	outcome, err := NewUpdater(p, opts).Run(context.Background(), Intent{Mode: ModeUpdate, Package: appPackage(t, 20)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
}

func TestRunPatchUpdate(t *testing.T) {
	p := newFakePeripheral(protocol.Current)
	var progress []Progress
	opts := testOptions()
	opts.Progress = func(pr Progress) { progress = append(progress, pr) }

	outcome, err := NewUpdater(p, opts).Run(context.Background(), Intent{Mode: ModeUpdate, Package: patchPackage(t, 50)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	assert.Equal(t, ops(
		protocol.OpRequestReceipt,
		protocol.OpStart,
		protocol.OpInit,
		protocol.OpPatchInit,
		protocol.OpReceivePatchImage,
		protocol.OpValidate,
		protocol.OpActivateAndReset,
	), p.controlOps())
	require.Len(t, progress, 3)
	assert.Equal(t, "patch", progress[0].Phase)
}

func TestRunPatchFinalMoreDataNeededResets(t *testing.T) {
	p := newFakePeripheral(protocol.Current)
	p.patchStatus = func(int) protocol.Status { return protocol.StatusMoreDataNeeded }

	outcome, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeUpdate, Package: patchPackage(t, 50)})
	assert.Equal(t, OutcomeFailed, outcome)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)

	got := p.controlOps()
	assert.Equal(t, protocol.OpSystemReset, got[len(got)-1])
	assert.NotContains(t, got, protocol.OpValidate)
}

func TestRunPatchOnLegacyRejected(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)

	outcome, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeUpdate, Package: patchPackage(t, 50)})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorContains(t, err, "patch")
	assert.Empty(t, p.controlOps())
}

func TestRunRequestsMTU(t *testing.T) {
	p := newFakePeripheral(protocol.Current)
	p.mtu = 67
	opts := testOptions()
	opts.RequestMTU = true

	_, err := NewUpdater(p, opts).Run(context.Background(), Intent{Mode: ModeUpdate, Package: appPackage(t, 128)})
	require.NoError(t, err)

	pk := p.packets()
	image := pk[3:]
	require.Len(t, image, 2)
	assert.Len(t, image[0], 64)
	assert.Len(t, image[1], 64)
}

func TestRunGenerationFromDiscovery(t *testing.T) {
	p := newFakePeripheral(protocol.Current)
	p.advertise = false

	outcome, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeTest})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTested, outcome)
}

func TestRunNoMatchingDevice(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.advertise = false
	p.name = "SomethingElse"

	outcome, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeTest})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestRunRigDfuWithUnrelatedService(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.otherService = true

	outcome, err := NewUpdater(p, testOptions()).Run(context.Background(), Intent{Mode: ModeTest})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestRunAddressFilter(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	opts := testOptions()
	opts.Address = "00:11:22:33:44:55"

	_, err := NewUpdater(p, opts).Run(context.Background(), Intent{Mode: ModeTest})
	assert.ErrorIs(t, err, ErrNoDevice)

	opts.Address = "e2:ec:1d:93:2e:99"
	outcome, err := NewUpdater(p, opts).Run(context.Background(), Intent{Mode: ModeTest})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTested, outcome)
}

func TestRunDiscoverTimeout(t *testing.T) {
	p := newFakePeripheral(protocol.Legacy)
	p.discoverDelay = time.Second
	opts := testOptions()
	opts.DiscoverTimeout = 20 * time.Millisecond

	_, err := NewUpdater(p, opts).Run(context.Background(), Intent{Mode: ModeTest})
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "characteristic discovery", terr.Stage)
	assert.True(t, p.disconnected)
	assert.Empty(t, p.controlOps())
}

func TestRunRequiresPackage(t *testing.T) {
	_, err := NewUpdater(newFakePeripheral(protocol.Legacy), testOptions()).Run(context.Background(), Intent{Mode: ModeUpdate})
	assert.Error(t, err)
}

func TestRejectReasons(t *testing.T) {
	u := NewUpdater(nil, Options{DeviceName: "RigDfu", Address: "AA:BB:CC:DD:EE:FF"})

	legacy := []string{protocol.Legacy.ServiceUUID}

	assert.Empty(t, u.rejectReasons(ble.Device{Name: "RigDfu", Address: "aa:bb:cc:dd:ee:ff"}))
	assert.Empty(t, u.rejectReasons(ble.Device{Name: "RigDfu", Address: "AA:BB:CC:DD:EE:FF", Services: legacy, AdvertisedServices: 2}))
	assert.Equal(t, []string{"wrong name"}, u.rejectReasons(ble.Device{Address: "AA:BB:CC:DD:EE:FF", Services: legacy, AdvertisedServices: 1}))
	assert.Equal(t, []string{"wrong name"}, u.rejectReasons(ble.Device{Name: "SomeOtherProduct", Address: "AA:BB:CC:DD:EE:FF", Services: legacy, AdvertisedServices: 1}))
	assert.Equal(t, []string{"wrong service"}, u.rejectReasons(ble.Device{Name: "RigDfu", Address: "AA:BB:CC:DD:EE:FF", AdvertisedServices: 1}))
	assert.Equal(t, []string{"wrong name", "wrong address"}, u.rejectReasons(ble.Device{Name: "Other", Address: "11:22:33:44:55:66"}))
	assert.Equal(t, []string{"wrong service", "wrong name", "wrong address"},
		u.rejectReasons(ble.Device{Name: "Other", Address: "11:22:33:44:55:66", AdvertisedServices: 3}))
}
