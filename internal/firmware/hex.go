package firmware

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/marcinbor85/gohex"
)

// AddrRange is a half-open flash address range [Low, High).
type AddrRange struct {
	Low, High uint32
}

// ParseAddrRange parses LOW-HIGH, for example 0x1000-0x16000. Either bound
// may be decimal, hex or octal.
func ParseAddrRange(s string) (AddrRange, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return AddrRange{}, fmt.Errorf("address range %q: want LOW-HIGH", s)
	}
	low, err := strconv.ParseUint(strings.TrimSpace(lo), 0, 32)
	if err != nil {
		return AddrRange{}, fmt.Errorf("address range %q: %w", s, err)
	}
	high, err := strconv.ParseUint(strings.TrimSpace(hi), 0, 32)
	if err != nil {
		return AddrRange{}, fmt.Errorf("address range %q: %w", s, err)
	}
	if high <= low {
		return AddrRange{}, fmt.Errorf("address range %q is empty", s)
	}
	return AddrRange{Low: uint32(low), High: uint32(high)}, nil
}

func (r AddrRange) String() string {
	return fmt.Sprintf("%#x-%#x", r.Low, r.High)
}

// HexImage is the flash contents described by one or more Intel HEX files.
type HexImage struct {
	mem *gohex.Memory
}

// LoadHex merges the given Intel HEX files. Regions may repeat across files
// only when they are identical.
func LoadHex(paths ...string) (*HexImage, error) {
	img := &HexImage{mem: gohex.NewMemory()}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading hex file: %w", err)
		}
		file := gohex.NewMemory()
		err = file.ParseIntelHex(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := img.merge(path, file); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func (img *HexImage) merge(path string, file *gohex.Memory) error {
	for _, seg := range file.GetDataSegments() {
		if len(seg.Data) == 0 {
			continue
		}
		if err := img.mem.AddBinary(seg.Address, seg.Data); err == nil {
			continue
		}
		if !img.hasSegment(seg) {
			return fmt.Errorf("data region [%x-%x] in %s overlaps earlier data",
				seg.Address, seg.Address+uint32(len(seg.Data)), path)
		}
	}
	return nil
}

func (img *HexImage) hasSegment(seg gohex.DataSegment) bool {
	for _, have := range img.mem.GetDataSegments() {
		if have.Address == seg.Address && bytes.Equal(have.Data, seg.Data) {
			return true
		}
	}
	return false
}

// Covers reports whether any loaded data falls inside r.
func (img *HexImage) Covers(r AddrRange) bool {
	for _, seg := range img.mem.GetDataSegments() {
		end := seg.Address + uint32(len(seg.Data))
		if seg.Address < r.High && end > r.Low {
			return true
		}
	}
	return false
}

// Extract returns the bytes in r, with gaps filled as erased flash.
func (img *HexImage) Extract(r AddrRange) []byte {
	return img.mem.ToBinary(r.Low, r.High-r.Low, padByte)
}

// BuildFromHex extracts each requested component from img and assembles a
// package. A nil range leaves that component out.
func BuildFromHex(img *HexImage, softdevice, bootloader, application *AddrRange) (*Package, error) {
	var parts [3][]byte
	for i, r := range []*AddrRange{softdevice, bootloader, application} {
		if r == nil {
			continue
		}
		if !img.Covers(*r) {
			return nil, fmt.Errorf("no hex data in %s range %s", componentNames[i], r)
		}
		parts[i] = img.Extract(*r)
	}
	return Build(parts[0], parts[1], parts[2])
}

var componentNames = [3]string{"softdevice", "bootloader", "application"}
