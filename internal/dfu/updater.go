// Package dfu drives a RigDFU bootloader over BLE: device selection,
// characteristic discovery, the control point exchanges, image transfer
// and finalization.
package dfu

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fatih/structs"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rigado/bootloader-tools/internal/ble"
	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
	"github.com/rigado/bootloader-tools/internal/firmware"
)

// Mode is the single operation a session performs.
type Mode int

const (
	ModeUpdate Mode = iota
	ModeConfigure
	ModeTest
)

func (m Mode) String() string {
	switch m {
	case ModeUpdate:
		return "update"
	case ModeConfigure:
		return "configure"
	case ModeTest:
		return "test"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Intent is fixed before connecting and never changes during a session.
type Intent struct {
	Mode    Mode
	Package *firmware.Package      // ModeUpdate
	Config  protocol.ConfigPayload // ModeConfigure
}

// Outcome is how a successful Run ended.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeUpdated
	OutcomeConfigured
	OutcomeTested
	// OutcomeSkipped means the bootloader revision is on the incompatible
	// list and nothing was written.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeConfigured:
		return "configured"
	case OutcomeTested:
		return "tested"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Progress is reported after every packet of an image transfer.
type Progress struct {
	Phase string
	TransferState
}

// Options configures the updater.
type Options struct {
	DeviceName string // advertised name of a bootloader
	Address    string // accept only this device when set

	ScanTimeout     time.Duration // 0 scans until found or cancelled
	DiscoverTimeout time.Duration
	ResponseTimeout time.Duration // 0 waits forever
	Connect         ble.ConnectOptions

	PacketSize            int
	PacketReceiptInterval int
	PacketWriteResponse   bool
	RequestMTU            bool

	IncompatibleRevisions []string

	PatchRetryMax   int
	PatchRetryDelay time.Duration

	Progress func(Progress)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DeviceName:            "RigDfu",
		DiscoverTimeout:       5 * time.Second,
		ResponseTimeout:       30 * time.Second,
		Connect:               ble.DefaultConnectOptions(),
		PacketSize:            protocol.DefaultPacketSize,
		PacketReceiptInterval: 32,
		PacketWriteResponse:   true,
		PatchRetryDelay:       50 * time.Millisecond,
	}
}

// Updater runs DFU sessions against devices reachable through an adapter.
type Updater struct {
	adapter ble.Adapter
	opts    Options

	mu      sync.Mutex
	machine *machine
}

// NewUpdater creates an updater on adapter.
func NewUpdater(adapter ble.Adapter, opts Options) *Updater {
	return &Updater{adapter: adapter, opts: opts}
}

// State is the state of the current or last session.
func (u *Updater) State() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.machine == nil {
		return StateIdle
	}
	return u.machine.current()
}

// Run finds a bootloader, connects and performs intent. A nil error comes
// with the outcome; any failure returns OutcomeFailed.
func (u *Updater) Run(ctx context.Context, intent Intent) (Outcome, error) {
	if intent.Mode == ModeUpdate && intent.Package == nil {
		return OutcomeFailed, errors.New("dfu: update requires a firmware package")
	}
	logger := log.WithField("mode", intent.Mode.String())
	if intent.Mode == ModeUpdate {
		pkg := intent.Package
		logger.WithFields(log.Fields(structs.Map(pkg.Start))).
			Infof("Firmware: %s, %d bytes, crc %08x", pkg.Kind(), len(pkg.Image), pkg.Checksum())
	}

	m := newMachine(logger)
	u.mu.Lock()
	u.machine = m
	u.mu.Unlock()
	defer m.close()

	if err := u.adapter.Enable(); err != nil {
		return OutcomeFailed, &TransportError{Op: "enable adapter", Err: err}
	}

	dev, gen, err := u.find(ctx, logger)
	if err != nil {
		return OutcomeFailed, err
	}
	logger = logger.WithField("device", dev.Address)

	logger.Info("Connecting")
	conn, err := ble.Dial(ctx, u.adapter, dev.Address, u.opts.Connect)
	if err != nil {
		return OutcomeFailed, &TransportError{Op: "connect", Err: err}
	}
	if err := m.fire(eventConnect); err != nil {
		return OutcomeFailed, err
	}
	logger.Info("Connected")

	s := newSession(conn, u.sessionOptions(), logger)
	if err := s.resolve(ctx, gen, u.opts.DiscoverTimeout); err != nil {
		s.close()
		return OutcomeFailed, err
	}
	if err := m.fire(eventResolve); err != nil {
		s.close()
		return OutcomeFailed, err
	}

	if intent.Mode == ModeUpdate && intent.Package.TouchesBootloader() {
		if err := m.fire(eventCheckVersion); err != nil {
			s.close()
			return OutcomeFailed, err
		}
		rev := s.readRevision()
		if rev != "" {
			logger.Infof("Bootloader revision %s", rev)
		}
		if u.incompatible(rev) {
			logger.Warnf("Bootloader revision %s cannot take this package, leaving the device untouched", rev)
			s.close()
			return OutcomeSkipped, nil
		}
	}

	if intent.Mode == ModeUpdate && intent.Package.IsPatch() && !s.gen.SupportsPatch {
		s.close()
		return OutcomeFailed, errors.Errorf("dfu: %s bootloader does not accept patch packages", s.gen)
	}

	if err := s.enableNotifications(); err != nil {
		s.close()
		return OutcomeFailed, err
	}
	if err := m.fire(eventEnableNotifications); err != nil {
		s.close()
		return OutcomeFailed, err
	}

	var opErr error
	switch intent.Mode {
	case ModeTest:
		if err := m.fire(eventTest); err != nil {
			s.close()
			return OutcomeFailed, err
		}
		logger.Info("Test mode, disconnecting")
		s.close()
		return OutcomeTested, nil
	case ModeConfigure:
		if opErr = m.fire(eventConfigure); opErr == nil {
			opErr = s.configure(ctx, intent.Config)
		}
	case ModeUpdate:
		event := eventTransfer
		if intent.Package.IsPatch() {
			event = eventPatch
		}
		if opErr = m.fire(event); opErr == nil {
			opErr = u.update(ctx, s, intent.Package)
		}
	default:
		s.close()
		return OutcomeFailed, errors.Errorf("dfu: unknown mode %v", intent.Mode)
	}

	if s.isLost() {
		// Nothing can be written to a device that is gone.
		if opErr == nil || !errors.Is(opErr, ErrFatalDisconnect) {
			opErr = ErrFatalDisconnect
		}
		return OutcomeFailed, opErr
	}

	if opErr != nil {
		logger.WithError(opErr).Error("DFU failed")
	}
	if err := m.fire(eventFinalize); err != nil {
		s.close()
		return OutcomeFailed, err
	}
	activate := opErr == nil && intent.Mode == ModeUpdate
	finErr := s.finalize(activate)

	switch {
	case opErr != nil:
		return OutcomeFailed, opErr
	case finErr != nil:
		return OutcomeFailed, finErr
	case intent.Mode == ModeConfigure:
		logger.Info("Configuration written")
		return OutcomeConfigured, nil
	default:
		logger.Info("Update complete")
		return OutcomeUpdated, nil
	}
}

// update runs the full update exchange up to and including validation.
func (u *Updater) update(ctx context.Context, s *Session, pkg *firmware.Package) error {
	if err := s.requestReceipts(); err != nil {
		return err
	}
	if u.opts.RequestMTU {
		if err := s.negotiateMTU(ctx); err != nil {
			return err
		}
	}
	if err := s.start(ctx, pkg.Start); err != nil {
		return err
	}
	if err := s.sendInit(ctx, pkg.Init); err != nil {
		return err
	}

	var err error
	if pkg.IsPatch() {
		if err = s.patchInit(ctx, *pkg.Patch); err != nil {
			return err
		}
		_, err = s.sendPatch(ctx, pkg.Image, u.reporter("patch"))
	} else {
		_, err = s.sendImage(ctx, pkg.Image, u.reporter("image"))
	}
	if err != nil {
		return err
	}
	return s.validate(ctx)
}

func (u *Updater) reporter(phase string) func(TransferState) {
	if u.opts.Progress == nil {
		return nil
	}
	return func(st TransferState) {
		u.opts.Progress(Progress{Phase: phase, TransferState: st})
	}
}

func (u *Updater) sessionOptions() sessionOptions {
	return sessionOptions{
		packetSize:          u.opts.PacketSize,
		receiptInterval:     u.opts.PacketReceiptInterval,
		packetWriteResponse: u.opts.PacketWriteResponse,
		responseTimeout:     u.opts.ResponseTimeout,
		patchRetryMax:       u.opts.PatchRetryMax,
		patchRetryDelay:     u.opts.PatchRetryDelay,
	}
}

func (u *Updater) incompatible(rev string) bool {
	if rev == "" {
		return false
	}
	for _, bad := range u.opts.IncompatibleRevisions {
		if strings.EqualFold(strings.TrimSpace(bad), rev) {
			return true
		}
	}
	return false
}
