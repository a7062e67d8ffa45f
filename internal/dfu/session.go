package dfu

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rigado/bootloader-tools/internal/ble"
	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
)

// sessionOptions are the per-connection knobs taken from Options.
type sessionOptions struct {
	packetSize          int
	receiptInterval     int
	packetWriteResponse bool
	responseTimeout     time.Duration
	patchRetryMax       int
	patchRetryDelay     time.Duration
}

// Session is one connection to a DFU bootloader. It owns the resolved
// characteristics and the correlator, and tracks whether the link is
// still up.
type Session struct {
	conn ble.Connection
	gen  *protocol.Generation
	opts sessionOptions
	log  *log.Entry

	control  ble.Characteristic
	packet   ble.Characteristic
	revision ble.Characteristic // nil when the device has no DIS

	packetSize int
	corr       *Correlator

	lost     chan struct{}
	lostOnce sync.Once
	closing  atomic.Bool
}

func newSession(conn ble.Connection, opts sessionOptions, logger *log.Entry) *Session {
	if opts.packetSize <= 0 {
		opts.packetSize = protocol.DefaultPacketSize
	}
	s := &Session{
		conn:       conn,
		opts:       opts,
		log:        logger,
		packetSize: opts.packetSize,
		corr:       NewCorrelator(),
		lost:       make(chan struct{}),
	}
	conn.OnDisconnect(s.onDisconnect)
	return s
}

// Generation is the bootloader family resolved by discovery.
func (s *Session) Generation() *protocol.Generation { return s.gen }

// PacketSize is the current payload size of a packet write.
func (s *Session) PacketSize() int { return s.packetSize }

func (s *Session) onDisconnect() {
	if s.closing.Load() {
		s.log.Debug("Disconnected")
		return
	}
	s.lostOnce.Do(func() {
		s.log.Error("Device disconnected")
		close(s.lost)
		if n := s.corr.Reset(); n > 0 {
			s.log.Debugf("dropped %d pending responses", n)
		}
	})
}

func (s *Session) isLost() bool {
	select {
	case <-s.lost:
		return true
	default:
		return false
	}
}

// close disconnects on purpose. Later disconnect events are not failures.
func (s *Session) close() {
	s.closing.Store(true)
	if err := s.conn.Disconnect(); err != nil {
		s.log.WithError(err).Debug("disconnect")
	}
}

// resolve discovers the control and packet characteristics. When gen is
// nil every known generation is tried.
func (s *Session) resolve(ctx context.Context, gen *protocol.Generation, timeout time.Duration) error {
	gens := protocol.Generations()
	if gen != nil {
		gens = []*protocol.Generation{gen}
	}
	var services, chars []string
	for _, g := range gens {
		services = append(services, g.ServiceUUID)
		chars = append(chars, g.ControlUUID, g.PacketUUID)
	}
	services = append(services, protocol.DeviceInfoServiceUUID)
	chars = append(chars, protocol.FirmwareRevisionCharUUID)

	dctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	found, err := s.conn.Discover(dctx, services, chars)
	if err != nil {
		if ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Stage: "characteristic discovery", After: timeout}
		}
		return &TransportError{Op: "discover", Err: err}
	}

	for _, g := range gens {
		ctrl, okCtrl := found[ble.NormalizeUUID(g.ControlUUID)]
		pkt, okPkt := found[ble.NormalizeUUID(g.PacketUUID)]
		if okCtrl && okPkt {
			s.gen, s.control, s.packet = g, ctrl, pkt
			break
		}
	}
	if s.gen == nil {
		return errors.New("dfu: device does not expose the DFU control and packet characteristics")
	}
	s.revision = found[ble.NormalizeUUID(protocol.FirmwareRevisionCharUUID)]
	s.log.Debugf("resolved %s bootloader characteristics", s.gen)
	return nil
}

// readRevision returns the bootloader firmware revision, or "" when it
// cannot be read. Failures are not fatal.
func (s *Session) readRevision() string {
	if s.revision == nil {
		s.log.Debug("device has no firmware revision characteristic")
		return ""
	}
	data, err := s.revision.Read()
	if err != nil {
		s.log.WithError(err).Warn("reading firmware revision")
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
}

// enableNotifications routes control point notifications to the correlator.
func (s *Session) enableNotifications() error {
	err := s.control.Subscribe(func(data []byte) {
		f := protocol.Decode(data)
		s.log.Debugf("<- %v", f)
		s.corr.Dispatch(f)
	})
	if err != nil {
		return &TransportError{Op: "enable notifications", Err: err}
	}
	return nil
}

// command writes an opcode and its parameters to the control point and
// waits for the write acknowledgement.
func (s *Session) command(op protocol.OpCode, params ...byte) error {
	if s.isLost() {
		return ErrFatalDisconnect
	}
	data := append([]byte{byte(op)}, params...)
	s.log.Debugf("-> %s % x", op, data)
	if err := s.control.Write(data, true); err != nil {
		if s.isLost() {
			return ErrFatalDisconnect
		}
		return &TransportError{Op: "write " + op.String(), Err: err}
	}
	return nil
}

func (s *Session) writePacket(data []byte) error {
	if s.isLost() {
		return ErrFatalDisconnect
	}
	if err := s.packet.Write(data, s.opts.packetWriteResponse); err != nil {
		if s.isLost() {
			return ErrFatalDisconnect
		}
		return &TransportError{Op: "write packet", Err: err}
	}
	return nil
}

type reply struct {
	frame protocol.Frame
	err   error
}

// pending is a registered expectation. Its channel receives exactly one reply.
type pending struct {
	what string
	ch   chan reply
}

func (s *Session) expect(what string, check func(protocol.Frame) error) *pending {
	p := &pending{what: what, ch: make(chan reply, 1)}
	s.corr.Expect(func(f protocol.Frame) {
		p.ch <- reply{frame: f, err: check(f)}
	})
	return p
}

// expectResponse expects Response(op, Success).
func (s *Session) expectResponse(op protocol.OpCode) *pending {
	return s.expect("response to "+op.String(), func(f protocol.Frame) error {
		resp, ok := f.(*protocol.Response)
		if !ok {
			return &ProtocolError{Op: op, Frame: f, Reason: "expected a response"}
		}
		if resp.Op != op {
			return &ProtocolError{Op: op, Frame: f, Reason: "response to the wrong request"}
		}
		if resp.Status != protocol.StatusSuccess {
			return &ProtocolError{Op: op, Frame: f, Reason: "request failed"}
		}
		return nil
	})
}

// expectStatus expects a Response to op and leaves the status to the caller.
func (s *Session) expectStatus(op protocol.OpCode) *pending {
	return s.expect("response to "+op.String(), func(f protocol.Frame) error {
		resp, ok := f.(*protocol.Response)
		if !ok || resp.Op != op {
			return &ProtocolError{Op: op, Frame: f, Reason: "expected a response"}
		}
		return nil
	})
}

// expectReceipt expects a packet receipt notification.
func (s *Session) expectReceipt() *pending {
	return s.expect("packet receipt", func(f protocol.Frame) error {
		if _, ok := f.(*protocol.Receipt); !ok {
			return &ProtocolError{Op: protocol.OpReceiveFirmwareImage, Frame: f, Reason: "expected a packet receipt"}
		}
		return nil
	})
}

// await blocks until p is answered, the link drops, ctx ends or the
// response timeout expires.
func (s *Session) await(ctx context.Context, p *pending) (protocol.Frame, error) {
	var timeout <-chan time.Time
	if s.opts.responseTimeout > 0 {
		t := time.NewTimer(s.opts.responseTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case r := <-p.ch:
		return r.frame, r.err
	case <-s.lost:
		return nil, ErrFatalDisconnect
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "dfu: waiting for %s", p.what)
	case <-timeout:
		return nil, &TimeoutError{Stage: p.what, After: s.opts.responseTimeout}
	}
}
