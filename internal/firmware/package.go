// Package firmware decodes RigDFU firmware packages: the start packet,
// the init packet, an optional patch header and the image payload.
package firmware

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/boguslaw-wojcik/crc32a"
)

// Section sizes inside a package, in bytes.
const (
	StartPacketSize = 12
	InitPacketSize  = 32
	PatchKeySize    = 12
	PatchPacketSize = 12
)

// PatchKey marks a package whose image is a patch against the firmware
// already on the device. It sits right after the init packet.
var PatchKey = []byte("rigado patch")

// StartPacket announces the size of each firmware component.
type StartPacket struct {
	Softdevice  uint32 `structs:"softdevice"`
	Bootloader  uint32 `structs:"bootloader"`
	Application uint32 `structs:"application"`
}

// Total is the sum of all component sizes.
func (s StartPacket) Total() uint64 {
	return uint64(s.Softdevice) + uint64(s.Bootloader) + uint64(s.Application)
}

// Bytes encodes the start packet as three little-endian words.
func (s StartPacket) Bytes() []byte {
	b := make([]byte, StartPacketSize)
	binary.LittleEndian.PutUint32(b[0:], s.Softdevice)
	binary.LittleEndian.PutUint32(b[4:], s.Bootloader)
	binary.LittleEndian.PutUint32(b[8:], s.Application)
	return b
}

// InitPacket carries the encryption IV and authentication tag. Both are
// opaque to the host and only verified by the bootloader.
type InitPacket struct {
	IV  [16]byte
	Tag [16]byte
}

// Bytes returns IV followed by tag.
func (p InitPacket) Bytes() []byte {
	b := make([]byte, 0, InitPacketSize)
	b = append(b, p.IV[:]...)
	return append(b, p.Tag[:]...)
}

// PatchHeader describes a patch image.
type PatchHeader struct {
	Length uint32 `structs:"length"`
	NewCRC uint32 `structs:"new_crc"`
	OldCRC uint32 `structs:"old_crc"`
}

// Bytes encodes the patch packet as three little-endian words.
func (h PatchHeader) Bytes() []byte {
	b := make([]byte, PatchPacketSize)
	binary.LittleEndian.PutUint32(b[0:], h.Length)
	binary.LittleEndian.PutUint32(b[4:], h.NewCRC)
	binary.LittleEndian.PutUint32(b[8:], h.OldCRC)
	return b
}

// Package is a validated firmware package. It is never modified after Parse.
type Package struct {
	Start StartPacket
	Init  InitPacket
	Patch *PatchHeader // nil for a full image
	Image []byte
}

// IsPatch reports whether the package carries a patch instead of a full image.
func (p *Package) IsPatch() bool {
	return p.Patch != nil
}

// TouchesBootloader reports whether the package replaces the softdevice
// or the bootloader.
func (p *Package) TouchesBootloader() bool {
	return p.Start.Softdevice != 0 || p.Start.Bootloader != 0
}

// Kind is a short human readable description of what the package updates.
func (p *Package) Kind() string {
	var parts []string
	if p.Start.Softdevice != 0 {
		parts = append(parts, "softdevice")
	}
	if p.Start.Bootloader != 0 {
		parts = append(parts, "bootloader")
	}
	if p.Start.Application != 0 {
		parts = append(parts, "application")
	}
	if len(parts) == 0 {
		return "empty"
	}
	kind := parts[0]
	if len(parts) == 2 {
		kind = parts[0] + "+" + parts[1]
	}
	if p.IsPatch() {
		kind += " patch"
	}
	return kind
}

// Checksum is the CRC-32 of the image payload. It is informational only;
// the host never verifies images.
func (p *Package) Checksum() uint32 {
	return crc32a.Checksum(p.Image)
}

// Bytes re-encodes the package in its on-disk layout.
func (p *Package) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(p.Start.Bytes())
	buf.Write(p.Init.Bytes())
	if p.Patch != nil {
		buf.Write(PatchKey)
		buf.Write(p.Patch.Bytes())
	}
	buf.Write(p.Image)
	return buf.Bytes()
}

func (p *Package) String() string {
	s := fmt.Sprintf("%s: sd=%d bl=%d app=%d iv=%s tag=%s",
		p.Kind(), p.Start.Softdevice, p.Start.Bootloader, p.Start.Application,
		hex.EncodeToString(p.Init.IV[:]), hex.EncodeToString(p.Init.Tag[:]))
	if p.Patch != nil {
		s += fmt.Sprintf(" patch(len=%d new=%08x old=%08x)", p.Patch.Length, p.Patch.NewCRC, p.Patch.OldCRC)
	}
	return s
}

// Parse decodes and validates a firmware package.
func Parse(buf []byte) (*Package, error) {
	minLen := StartPacketSize + InitPacketSize
	if len(buf) < minLen {
		return nil, &PackageError{Kind: Truncated, Field: "header", Got: uint64(len(buf)), Want: uint64(minLen)}
	}

	pkg := &Package{}
	pkg.Start = StartPacket{
		Softdevice:  binary.LittleEndian.Uint32(buf[0:]),
		Bootloader:  binary.LittleEndian.Uint32(buf[4:]),
		Application: binary.LittleEndian.Uint32(buf[8:]),
	}
	off := StartPacketSize
	copy(pkg.Init.IV[:], buf[off:off+16])
	copy(pkg.Init.Tag[:], buf[off+16:off+32])
	off += InitPacketSize

	if len(buf) >= off+PatchKeySize && bytes.Equal(buf[off:off+PatchKeySize], PatchKey) {
		off += PatchKeySize
		if len(buf) < off+PatchPacketSize {
			return nil, &PackageError{Kind: Truncated, Field: "patch", Got: uint64(len(buf)), Want: uint64(off + PatchPacketSize)}
		}
		pkg.Patch = &PatchHeader{
			Length: binary.LittleEndian.Uint32(buf[off:]),
			NewCRC: binary.LittleEndian.Uint32(buf[off+4:]),
			OldCRC: binary.LittleEndian.Uint32(buf[off+8:]),
		}
		off += PatchPacketSize
	}

	pkg.Image = append([]byte(nil), buf[off:]...)

	if err := pkg.validate(); err != nil {
		return nil, err
	}
	return pkg, nil
}

// ParseFile reads and parses the package at path.
func ParseFile(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading firmware package: %w", err)
	}
	return Parse(data)
}

func (p *Package) validate() error {
	s := p.Start
	if s.Softdevice == 0 && s.Bootloader == 0 && s.Application == 0 {
		return &PackageError{Kind: EmptyImage, Field: "start"}
	}

	sizes := []struct {
		field string
		v     uint32
	}{
		{"softdevice", s.Softdevice},
		{"bootloader", s.Bootloader},
		{"application", s.Application},
	}
	for _, sz := range sizes {
		if sz.v%4 != 0 {
			return &PackageError{Kind: MisalignedSize, Field: sz.field, Got: uint64(sz.v)}
		}
	}

	if s.Application != 0 && (s.Softdevice != 0 || s.Bootloader != 0) {
		return &PackageError{Kind: ExclusivityViolation, Field: "application"}
	}

	if p.Patch != nil {
		if p.Patch.Length == 0 {
			return &PackageError{Kind: EmptyImage, Field: "patch.length"}
		}
		if uint64(p.Patch.Length) != uint64(len(p.Image)) {
			return &PackageError{Kind: LengthMismatch, Field: "patch.length",
				Got: uint64(len(p.Image)), Want: uint64(p.Patch.Length)}
		}
		if p.Patch.NewCRC == 0 {
			return &PackageError{Kind: MissingCrc, Field: "patch.new_crc"}
		}
		if p.Patch.OldCRC == 0 {
			return &PackageError{Kind: MissingCrc, Field: "patch.old_crc"}
		}
		return nil
	}

	if s.Total() != uint64(len(p.Image)) {
		return &PackageError{Kind: LengthMismatch, Field: "image", Got: uint64(len(p.Image)), Want: s.Total()}
	}
	return nil
}
