package protocol

import (
	"encoding/binary"
	"strings"
)

// Device Information service, read for the bootloader revision.
const (
	DeviceInfoServiceUUID    = "0000180a-0000-1000-8000-00805f9b34fb"
	FirmwareRevisionCharUUID = "00002a26-0000-1000-8000-00805f9b34fb"
)

// Generation describes the GATT layout and capabilities of one bootloader
// family. The exchange sequence is the same for every generation.
type Generation struct {
	Name string

	ServiceUUID string
	ControlUUID string
	PacketUUID  string

	// InitChunkSize splits the init packet into packet writes. The
	// Response(Init) is expected before the final chunk is written.
	InitChunkSize int
	// ConfigChunkSize splits the configuration frame.
	ConfigChunkSize int

	SupportsMTU   bool
	SupportsPatch bool

	configFrame func(ConfigPayload) []byte
}

// Legacy is the original RigDFU bootloader.
var Legacy = &Generation{
	Name:            "legacy",
	ServiceUUID:     "00001530-1212-efde-1523-785feabcd123",
	ControlUUID:     "00001531-1212-efde-1523-785feabcd123",
	PacketUUID:      "00001532-1212-efde-1523-785feabcd123",
	InitChunkSize:   16,
	ConfigChunkSize: 16,
	configFrame: func(p ConfigPayload) []byte {
		return p.Bytes()
	},
}

// Current is the RigDFU bootloader with MTU negotiation and patch support.
// Its configuration frame is laid out like a firmware package: a start
// header announcing the payload size, a blank init packet, then the payload.
var Current = &Generation{
	Name:            "current",
	ServiceUUID:     "00001530-eb68-4181-a6df-42562b7fef98",
	ControlUUID:     "00001531-eb68-4181-a6df-42562b7fef98",
	PacketUUID:      "00001532-eb68-4181-a6df-42562b7fef98",
	InitChunkSize:   16,
	ConfigChunkSize: DefaultPacketSize,
	SupportsMTU:     true,
	SupportsPatch:   true,
	configFrame: func(p ConfigPayload) []byte {
		b := make([]byte, ConfigHeaderSize+ConfigPayloadSize)
		binary.LittleEndian.PutUint32(b, ConfigPayloadSize)
		copy(b[ConfigHeaderSize:], p.Bytes())
		return b
	},
}

// Generations lists every known generation, newest first.
func Generations() []*Generation {
	return []*Generation{Current, Legacy}
}

// ServiceUUIDs returns the DFU service of every known generation.
func ServiceUUIDs() []string {
	gens := Generations()
	uuids := make([]string, len(gens))
	for i, g := range gens {
		uuids[i] = g.ServiceUUID
	}
	return uuids
}

// ForService returns the generation owning the given service UUID, or nil.
func ForService(uuid string) *Generation {
	for _, g := range Generations() {
		if strings.EqualFold(g.ServiceUUID, uuid) {
			return g
		}
	}
	return nil
}

// ConfigFrame is the full configuration write for this generation.
func (g *Generation) ConfigFrame(p ConfigPayload) []byte {
	return g.configFrame(p)
}

// ConfigChunks splits the configuration frame into packet writes.
func (g *Generation) ConfigChunks(p ConfigPayload) [][]byte {
	return Chunks(g.ConfigFrame(p), g.ConfigChunkSize)
}

// InitChunks splits an init packet into packet writes.
func (g *Generation) InitChunks(init []byte) [][]byte {
	return Chunks(init, g.InitChunkSize)
}

func (g *Generation) String() string {
	return g.Name
}
