package serialdfu

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rigado/bootloader-tools/internal/dfu"
	"github.com/rigado/bootloader-tools/internal/dfu/protocol"
	"github.com/rigado/bootloader-tools/internal/firmware"
)

// activationMagic wakes the serial loader. It answers with a banner line.
var activationMagic = []byte{0xca, 0x9d, 0xc6, 0xa4}

const (
	bannerMax    = 32
	pollInterval = 2 * time.Millisecond
)

var errReadTimeout = errors.New("serialdfu: read timed out")

// Options tunes a serial update.
type Options struct {
	ChunkSize       int
	ResponseTimeout time.Duration
	ActivateTries   int
	BannerTimeout   time.Duration
	// Progress is called after every acknowledged image frame.
	Progress func(sent, total int)
}

// DefaultOptions mirrors the timings the loader was designed around.
func DefaultOptions() Options {
	return Options{
		ChunkSize:       192,
		ResponseTimeout: 5 * time.Second,
		ActivateTries:   8,
		BannerTimeout:   500 * time.Millisecond,
	}
}

// Banner is the identification line the loader prints on activation,
// e.g. "RigDfu/02.04/e2:ec:1d:93:2e:99".
type Banner struct {
	Name    string
	Version string
	Address string
	Raw     string
}

func parseBanner(line string) *Banner {
	line = strings.TrimSpace(line)
	b := &Banner{Raw: line}
	parts := strings.SplitN(line, "/", 3)
	b.Name = parts[0]
	if len(parts) > 1 {
		b.Version = parts[1]
	}
	if len(parts) > 2 {
		b.Address = parts[2]
	}
	return b
}

// Loader talks to one serial bootloader.
type Loader struct {
	rw   io.ReadWriter
	opts Options
	log  *log.Entry
}

// NewLoader wraps an open port. Zero option fields take their defaults.
func NewLoader(rw io.ReadWriter, opts Options) *Loader {
	def := DefaultOptions()
	if opts.ChunkSize <= 0 || opts.ChunkSize > MaxFrameData {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	if opts.ActivateTries <= 0 {
		opts.ActivateTries = def.ActivateTries
	}
	if opts.BannerTimeout <= 0 {
		opts.BannerTimeout = def.BannerTimeout
	}
	return &Loader{rw: rw, opts: opts, log: log.WithField("transport", "serial")}
}

// Activate sends the wake-up magic until the loader prints its banner.
func (l *Loader) Activate(ctx context.Context) (*Banner, error) {
	l.log.Info("Activating serial loader")
	for i := 0; i < l.opts.ActivateTries; i++ {
		if _, err := l.rw.Write(activationMagic); err != nil {
			return nil, &dfu.TransportError{Op: "write activation", Err: err}
		}
		line, err := l.readLine(ctx, time.Now().Add(l.opts.BannerTimeout))
		if err == nil {
			b := parseBanner(line)
			l.log.Infof("Loader %s", b.Raw)
			return b, nil
		}
		if err != errReadTimeout {
			return nil, err
		}
		l.log.Debug("No response from loader, retrying")
	}
	return nil, &dfu.TimeoutError{Stage: "serial loader activation", After: time.Duration(l.opts.ActivateTries) * l.opts.BannerTimeout}
}

// Update activates the loader and writes pkg: Start, Init, the image in
// frames, Validate and ActivateAndReset.
func (l *Loader) Update(ctx context.Context, pkg *firmware.Package) error {
	if pkg == nil {
		return errors.New("serialdfu: update requires a firmware package")
	}
	if pkg.IsPatch() {
		return errors.New("serialdfu: the serial loader does not accept patch packages")
	}
	if _, err := l.Activate(ctx); err != nil {
		return err
	}

	l.log.Info("Starting DFU")
	if err := l.exchange(ctx, protocol.OpStart, pkg.Start.Bytes(), protocol.StatusSuccess); err != nil {
		return err
	}
	l.log.Info("Sending init packet")
	if err := l.exchange(ctx, protocol.OpInit, pkg.Init.Bytes(), protocol.StatusSuccess); err != nil {
		return err
	}

	l.log.Infof("Uploading %d bytes", len(pkg.Image))
	chunks := protocol.Chunks(pkg.Image, l.opts.ChunkSize)
	sent := 0
	for i, chunk := range chunks {
		want := protocol.StatusMoreDataNeeded
		if i == len(chunks)-1 {
			want = protocol.StatusSuccess
		}
		if err := l.exchange(ctx, protocol.OpReceiveFirmwareImage, chunk, want); err != nil {
			return err
		}
		sent += len(chunk)
		if l.opts.Progress != nil {
			l.opts.Progress(sent, len(pkg.Image))
		}
	}

	l.log.Info("Validating image")
	if err := l.exchange(ctx, protocol.OpValidate, nil, protocol.StatusSuccess); err != nil {
		return err
	}
	l.log.Info("Activating image")
	if err := l.exchange(ctx, protocol.OpActivateAndReset, nil, protocol.StatusSuccess); err != nil {
		return err
	}
	l.log.Info("DFU complete")
	return nil
}

// exchange writes one command frame and checks the answer.
func (l *Loader) exchange(ctx context.Context, op protocol.OpCode, data []byte, want protocol.Status) error {
	frame, err := EncodeFrame(op, data)
	if err != nil {
		return err
	}
	l.log.Debugf("< % x", frame)
	if _, err := l.rw.Write(frame); err != nil {
		return &dfu.TransportError{Op: "write " + op.String(), Err: err}
	}

	raw, err := l.readResponse(ctx, time.Now().Add(l.opts.ResponseTimeout))
	if err == errReadTimeout {
		return &dfu.TimeoutError{Stage: "response to " + op.String(), After: l.opts.ResponseTimeout}
	}
	if err != nil {
		return err
	}
	l.log.Debugf("> % x", raw)

	resp, err := decodeResponse(raw)
	if err != nil {
		return &dfu.ProtocolError{Op: op, Reason: "bad response frame", Err: err}
	}
	if resp.Op != op {
		return &dfu.ProtocolError{Op: op, Frame: resp, Reason: "response to the wrong request"}
	}
	if resp.Status != want {
		return &dfu.ProtocolError{Op: op, Frame: resp, Reason: "unexpected status, want " + want.String()}
	}
	return nil
}

func (l *Loader) readResponse(ctx context.Context, deadline time.Time) ([]byte, error) {
	var u unescaper
	out := make([]byte, 0, responseSize)
	for len(out) < responseSize {
		b, err := l.readByte(ctx, deadline)
		if err != nil {
			return out, err
		}
		v, ok, err := u.feed(b)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (l *Loader) readLine(ctx context.Context, deadline time.Time) (string, error) {
	var buf bytes.Buffer
	for buf.Len() < bannerMax {
		b, err := l.readByte(ctx, deadline)
		if err != nil {
			if err == errReadTimeout && buf.Len() > 0 {
				break
			}
			return "", err
		}
		if b == '\n' {
			break
		}
		buf.WriteByte(b)
	}
	return buf.String(), nil
}

// readByte polls the port until a byte arrives or deadline passes. Serial
// ports opened with a read timeout return no data instead of blocking.
func (l *Loader) readByte(ctx context.Context, deadline time.Time) (byte, error) {
	var b [1]byte
	for {
		n, err := l.rw.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil && err != io.EOF {
			return 0, &dfu.TransportError{Op: "read", Err: err}
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, errReadTimeout
		}
		time.Sleep(pollInterval)
	}
}
